//go:build integration

package wakeup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/post-scheduler/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startValkey(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testutil.NewValkeyContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	return container.Address
}

func TestValkey_NotifyReachesListener(t *testing.T) {
	addr := startValkey(t)

	publisher, err := NewValkey(Config{Address: addr, KeyPrefix: "test"})
	require.NoError(t, err)
	defer publisher.Close()

	listener, err := NewValkey(Config{Address: addr, KeyPrefix: "test"})
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var woken atomic.Int32
	done := make(chan error, 1)
	go func() { done <- listener.Listen(ctx, func() { woken.Add(1) }) }()

	assert.Eventually(t, func() bool {
		_ = publisher.Notify(context.Background())
		return woken.Load() > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewValkey_Unreachable(t *testing.T) {
	_, err := NewValkey(Config{Address: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}
