package main

import (
	"testing"

	"github.com/privacy-extensions/privext/pkg/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTracePath(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{name: "unset", env: "", want: capture.DefaultTracePath},
		{name: "from environment", env: "/data/trace.json", want: "/data/trace.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(traceEnvVar, tt.env)

			assert.Equal(t, tt.want, defaultTracePath())
		})
	}
}

func TestTracePathFlagsShareDefault(t *testing.T) {
	session := sessionCmd.Flags().Lookup("trace-path")
	bridge := captureBridgeCmd.Flags().Lookup("trace-path")

	require.NotNil(t, session)
	require.NotNil(t, bridge)
	assert.Equal(t, bridge.DefValue, session.DefValue)
}
