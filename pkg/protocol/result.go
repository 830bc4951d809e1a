package protocol

import (
	"fmt"
	"sync"
)

// ResultCode is the numeric outcome carried by envelopes and responses. Zero is success.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultUnknownPlugin
	ResultDuplicateAction
	ResultUnknownAction
	ResultTimeout
	ResultChannelClosed
	ResultMalformedPayload
	ResultInternal
	ResultAborted
	ResultActionFailed
)

var resultNames = map[ResultCode]string{
	ResultOK:               "OK",
	ResultUnknownPlugin:    "UNKNOWN_PLUGIN",
	ResultDuplicateAction:  "DUPLICATE_ACTION",
	ResultUnknownAction:    "UNKNOWN_ACTION",
	ResultTimeout:          "TIMEOUT",
	ResultChannelClosed:    "CHANNEL_CLOSED",
	ResultMalformedPayload: "MALFORMED_PAYLOAD",
	ResultInternal:         "INTERNAL",
	ResultAborted:          "ABORTED",
	ResultActionFailed:     "ACTION_FAILED",
}

var resultStrings = map[ResultCode]string{
	ResultOK:               "success",
	ResultUnknownPlugin:    "plugin is not registered",
	ResultDuplicateAction:  "action is already owned by another live plugin",
	ResultUnknownAction:    "action is not registered",
	ResultTimeout:          "operation timed out",
	ResultChannelClosed:    "channel is closed",
	ResultMalformedPayload: "malformed payload",
	ResultInternal:         "internal error",
	ResultAborted:          "action instance was aborted",
	ResultActionFailed:     "action reported failure",
}

// String returns the symbolic name of the code.
func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("RESULT_%d", int(c))
}

// ResultString returns the human-readable description of a result code.
func ResultString(c ResultCode) string {
	if s, ok := resultStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown result code %d", int(c))
}

// LastError records the most recent failing call of one endpoint.
// The zero value is ready to use and reports success.
type LastError struct {
	mu   sync.Mutex
	code ResultCode
	str  string
}

// Set records a failure. Setting ResultOK is ignored so successes never clear the record.
func (l *LastError) Set(code ResultCode, str string) {
	if code == ResultOK {
		return
	}
	if str == "" {
		str = ResultString(code)
	}
	l.mu.Lock()
	l.code = code
	l.str = str
	l.mu.Unlock()
}

// Code returns the last recorded failure code.
func (l *LastError) Code() ResultCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code
}

// String returns the message recorded with the last failure.
func (l *LastError) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.code == ResultOK {
		return ResultString(ResultOK)
	}
	return l.str
}
