package wakeup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Notify(t *testing.T) {
	calls := 0
	var n Notifier = Local(func() { calls++ })

	require.NoError(t, n.Notify(context.Background()))
	require.NoError(t, n.Notify(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestNop_Notify(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.Notify(context.Background()))
}

func TestChannelName(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"", "dispatch:wake"},
		{"postscheduler", "postscheduler:dispatch:wake"},
		{"postscheduler:", "postscheduler:dispatch:wake"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.expected, channelName(tt.prefix))
		})
	}
}
