package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/protocol"
)

func TestPollZeroTimeoutNeverBlocks(t *testing.T) {
	ch := New("test")
	never := make(chan struct{})

	start := time.Now()
	got, err := Poll(context.Background(), ch, Filter{}, []Descriptor{{ID: 3, Ready: never}}, 0)
	require.NoError(t, err)
	assert.Equal(t, PollTimeout, got)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	ready := make(chan struct{}, 1)
	ready <- struct{}{}
	got, err = Poll(context.Background(), ch, Filter{}, []Descriptor{{ID: 3, Ready: never}, {ID: 7, Ready: ready}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestPollEngineMessageReady(t *testing.T) {
	ch := New("test")
	require.NoError(t, ch.Write(&protocol.Envelope{Type: protocol.MessageTypeInvokeAction, PluginName: "p1"}))

	got, err := Poll(context.Background(), ch, Filter{Plugin: "p1"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, PollEngine, got)

	got, err = Poll(context.Background(), ch, Filter{Plugin: "p2"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, PollTimeout, got, "messages for other plugins are not ready for this filter")
	assert.Equal(t, 1, ch.Len(), "poll does not consume messages")
}

func TestPollWakesOnWrite(t *testing.T) {
	ch := New("test")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ch.Write(&protocol.Envelope{Type: protocol.MessageTypeInvokeAction, PluginName: "p1"})
	}()

	got, err := Poll(context.Background(), ch, Filter{Plugin: "p1"}, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PollEngine, got)
}

func TestPollWakesOnDescriptor(t *testing.T) {
	ch := New("test")
	ready := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(ready)
	}()

	got, err := Poll(context.Background(), ch, Filter{}, []Descriptor{{ID: 4, Ready: ready}}, -1)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestPollBoundedTimeout(t *testing.T) {
	ch := New("test")
	start := time.Now()
	got, err := Poll(context.Background(), ch, Filter{}, nil, 25*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, PollTimeout, got)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPollClosedChannel(t *testing.T) {
	ch := New("test")
	ch.Close()
	got, err := Poll(context.Background(), ch, Filter{}, nil, -1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, PollTimeout, got)
}
