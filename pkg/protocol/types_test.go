package protocol

import (
	"testing"
)

func TestMessageTypeDirection(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    Direction
	}{
		{MessageTypeRegisterClient, ClientToServer},
		{MessageTypeHeartbeat, ClientToServer},
		{MessageTypeActionResponse, ClientToServer},
		{MessageTypeInvokeAction, ServerToClient},
		{MessageTypeRegisterResult, ServerToClient},
	}

	for _, tt := range tests {
		t.Run(string(tt.msgType), func(t *testing.T) {
			if got := tt.msgType.Direction(); got != tt.want {
				t.Errorf("Direction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ActionRequest
		wantErr bool
	}{
		{
			name: "valid action",
			req:  ActionRequest{RequestType: RequestTypeAction, ActionName: "D1", InstanceID: "i"},
		},
		{
			name: "shutdown needs nothing else",
			req:  ActionRequest{RequestType: RequestTypeShutdown},
		},
		{
			name:    "missing action name",
			req:     ActionRequest{RequestType: RequestTypeAction, InstanceID: "i"},
			wantErr: true,
		},
		{
			name:    "missing instance id",
			req:     ActionRequest{RequestType: RequestTypeAction, ActionName: "D1"},
			wantErr: true,
		},
		{
			name:    "negative timeout",
			req:     ActionRequest{RequestType: RequestTypeAction, ActionName: "D1", InstanceID: "i", Timeout: -1},
			wantErr: true,
		},
		{
			name:    "unknown request type",
			req:     ActionRequest{RequestType: "restart"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResultStrings(t *testing.T) {
	if ResultOK.String() != "OK" {
		t.Errorf("ResultOK.String() = %q", ResultOK.String())
	}
	if ResultString(ResultUnknownPlugin) != "plugin is not registered" {
		t.Errorf("unexpected description: %q", ResultString(ResultUnknownPlugin))
	}
	if ResultCode(99).String() != "RESULT_99" {
		t.Errorf("unknown code name = %q", ResultCode(99).String())
	}
}

func TestLastError(t *testing.T) {
	var le LastError
	if le.Code() != ResultOK {
		t.Errorf("zero value Code() = %v", le.Code())
	}
	if le.String() != "success" {
		t.Errorf("zero value String() = %q", le.String())
	}

	le.Set(ResultUnknownAction, "")
	if le.Code() != ResultUnknownAction {
		t.Errorf("Code() = %v", le.Code())
	}
	if le.String() != ResultString(ResultUnknownAction) {
		t.Errorf("String() = %q", le.String())
	}

	le.Set(ResultOK, "ignored")
	if le.Code() != ResultUnknownAction {
		t.Error("success must not clear the last error")
	}

	le.Set(ResultTimeout, "waited 3s")
	if le.String() != "waited 3s" {
		t.Errorf("String() = %q", le.String())
	}
}
