package channel

import (
	"context"
	"reflect"
	"time"
)

const (
	// PollTimeout is returned when nothing became ready before the timeout.
	PollTimeout = -2
	// PollEngine is returned when a message matching the filter is queued on the channel.
	PollEngine = -1
)

// Descriptor is an auxiliary readiness source multiplexed by Poll. A receive on Ready
// signals readiness; the received signal is consumed when Poll reports the descriptor.
type Descriptor struct {
	ID    int
	Ready <-chan struct{}
}

// Poll waits until a message matching filter is queued on ch or one of the descriptors
// becomes ready. It returns PollEngine, the ready descriptor's ID, or PollTimeout.
//
// Timeout semantics follow Channel.Read: zero never blocks, negative blocks until
// something is ready or ctx is done. When several sources are ready at once any of them
// may be reported.
func Poll(ctx context.Context, ch *Channel, filter Filter, descriptors []Descriptor, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		wait := ch.waitChan()
		if ch.Pending(filter) > 0 {
			return PollEngine, nil
		}
		if ch.Closed() {
			return PollTimeout, ErrClosed
		}
		for _, d := range descriptors {
			select {
			case <-d.Ready:
				return d.ID, nil
			default:
			}
		}
		if timeout == 0 {
			return PollTimeout, nil
		}

		// The descriptor count is caller-defined, so the wait set is built dynamically.
		cases := make([]reflect.SelectCase, 0, len(descriptors)+3)
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(wait)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		)
		if deadline != nil {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(deadline)})
		}
		first := len(cases)
		for _, d := range descriptors {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d.Ready)})
		}

		chosen, _, _ := reflect.Select(cases)
		switch {
		case chosen == 0:
			continue
		case chosen == 1:
			return PollTimeout, ctx.Err()
		case deadline != nil && chosen == 2:
			return PollTimeout, nil
		default:
			return descriptors[chosen-first].ID, nil
		}
	}
}
