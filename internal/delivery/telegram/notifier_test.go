package telegram

import (
	"context"
	"testing"

	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerNotifier_PostDead(t *testing.T) {
	api, server := newFakeAPI(t)
	notifier := NewOwnerNotifier(newTestGateway(t, server.URL))

	claim := domain.Claim{
		Post:    domain.Post{ID: "post-1", AttemptCount: 5},
		Channel: testChannel(),
	}

	err := notifier.PostDead(context.Background(), claim, domain.FailureExhausted, "bad gateway")
	require.NoError(t, err)

	call := api.lastCall()
	assert.Equal(t, "sendMessage", call.method)
	assert.Equal(t, "42", call.params["chat_id"])
	text, _ := call.params["text"].(string)
	assert.Contains(t, text, "post-1")
	assert.Contains(t, text, "6 failed attempts")
	assert.Contains(t, text, "bad gateway")
}

func TestOwnerNotifier_ScheduleSuspended(t *testing.T) {
	api, server := newFakeAPI(t)
	notifier := NewOwnerNotifier(newTestGateway(t, server.URL))

	err := notifier.ScheduleSuspended(context.Background(), testChannel(), "sched-1", "unknown schedule kind")
	require.NoError(t, err)

	text, _ := api.lastCall().params["text"].(string)
	assert.Contains(t, text, "sched-1")
	assert.Contains(t, text, "unknown schedule kind")
}

func TestOwnerNotifier_NoOwner(t *testing.T) {
	api, server := newFakeAPI(t)
	notifier := NewOwnerNotifier(newTestGateway(t, server.URL))

	ch := testChannel()
	ch.OwnerUserID = ""
	require.NoError(t, notifier.ScheduleSuspended(context.Background(), ch, "sched-1", "x"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.calls)
}
