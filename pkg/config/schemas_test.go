package config

import (
	"testing"
)

func TestSchema_CheckGlobal(t *testing.T) {
	schema, err := NewSchema(nil)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "partial", doc: `{"max_steps": 8}`},
		{name: "duration string", doc: `{"sweep_interval": "2s"}`},
		{name: "empty", doc: `{}`},
		{name: "unknown field", doc: `{"max_stepz": 8}`, wantErr: true},
		{name: "wrong type", doc: `{"queue_depth": "ten"}`, wantErr: true},
		{name: "below minimum", doc: `{"max_steps": 0}`, wantErr: true},
		{name: "not json", doc: `{"max_steps": `, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.CheckGlobal([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckGlobal(%s) error = %v, wantErr %v", tt.doc, err, tt.wantErr)
			}
		})
	}
}

func TestSchema_CheckActions(t *testing.T) {
	schema, err := NewSchema(nil)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "disable", doc: `{"M1": {"disable": true}}`},
		{name: "several actions", doc: `{"M1": {"timeout": 5}, "M2": {"on_failure": "abort"}}`},
		{name: "clear priority", doc: `{"M1": {"priority": null}}`},
		{name: "unknown type", doc: `{"M1": {"type": "repair"}}`, wantErr: true},
		{name: "unknown attribute", doc: `{"M1": {"retries": 2}}`, wantErr: true},
		{name: "negative interval", doc: `{"M1": {"heartbeat_interval": -2}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.CheckActions([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckActions(%s) error = %v, wantErr %v", tt.doc, err, tt.wantErr)
			}
		})
	}
}
