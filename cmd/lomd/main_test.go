package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupCLILoggerLevel(t *testing.T) {
	tests := []struct {
		env  string
		want zerolog.Level
	}{
		{"", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"loud", zerolog.TraceLevel},
	}

	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
			t.Setenv("LOM_LOG_LEVEL", tt.env)
			setupCLILogger()
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}
