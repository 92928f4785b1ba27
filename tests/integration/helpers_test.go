//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newUser returns a client authenticated as a fresh user.
func newUser(t *testing.T) (*testutil.Client, string) {
	t.Helper()
	userID := "user-" + uuid.NewString()[:8]
	return clientFor(t, userID, domain.RoleUser), userID
}

func clientFor(t *testing.T, userID string, role domain.Role) *testutil.Client {
	t.Helper()
	token, err := testAuth.IssueToken(userID, role)
	require.NoError(t, err)
	return testClient.As(t, token)
}

// verifierClient returns a client carrying the verifier role.
func verifierClient(t *testing.T) *testutil.Client {
	t.Helper()
	return clientFor(t, "verifier-bot", domain.RoleVerifier)
}

// createChannel registers a mattermost channel and deletes it on cleanup.
func createChannel(t *testing.T, client *testutil.Client) domain.Channel {
	t.Helper()

	resp, err := client.POST("/api/v1/channels", map[string]any{
		"kind":        "mattermost",
		"external_id": "https://mm.example.com/hooks/" + uuid.NewString(),
		"title":       "Team updates",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var channel domain.Channel
	testutil.DecodeData(t, resp, &channel)

	t.Cleanup(func() {
		resp, err := client.WithoutValidation().DELETE("/api/v1/channels/" + channel.ID)
		if err == nil {
			_ = resp.Body.Close()
		}
	})
	return channel
}

// createVerifiedChannel registers a channel and marks it verified.
func createVerifiedChannel(t *testing.T, client *testutil.Client) domain.Channel {
	t.Helper()
	channel := createChannel(t, client)

	resp, err := verifierClient(t).PUT("/api/v1/channels/"+channel.ID+"/verification", map[string]any{
		"status": "verified",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	testutil.DecodeData(t, resp, &channel)
	require.Equal(t, domain.VerificationVerified, channel.VerificationStatus)
	return channel
}

// scheduleView mirrors the schedule response including its encoded spec.
type scheduleView struct {
	domain.Schedule
	Spec     map[string]any `json:"spec"`
	Upcoming []time.Time    `json:"upcoming"`
}

func createSchedule(t *testing.T, client *testutil.Client, channelID string, spec map[string]any) scheduleView {
	t.Helper()

	resp, err := client.POST("/api/v1/channels/"+channelID+"/schedules", map[string]any{
		"name": "test schedule",
		"spec": spec,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var schedule scheduleView
	testutil.DecodeData(t, resp, &schedule)
	return schedule
}

func hourlySpec() map[string]any {
	return map[string]any{"type": "interval", "hours": 1}
}

func enqueue(t *testing.T, client *testutil.Client, scheduleID string, texts ...string) []domain.Post {
	t.Helper()

	posts := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		posts = append(posts, map[string]any{"text": text})
	}

	resp, err := client.POST("/api/v1/schedules/"+scheduleID+"/posts/bulk", map[string]any{"posts": posts})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created []domain.Post
	testutil.DecodeData(t, resp, &created)
	require.Len(t, created, len(texts))
	return created
}

func listPosts(t *testing.T, client *testutil.Client, scheduleID, query string) []domain.Post {
	t.Helper()

	path := "/api/v1/schedules/" + scheduleID + "/posts"
	if query != "" {
		path += "?" + query
	}
	resp, err := client.GET(path)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var posts []domain.Post
	testutil.DecodeData(t, resp, &posts)
	return posts
}

// makeDue moves a schedule's next slot to at.
func makeDue(t *testing.T, scheduleID string, at time.Time) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`UPDATE schedules SET next_due_at = $2 WHERE id = $1`, scheduleID, at)
	require.NoError(t, err)
}

// postRow reads delivery bookkeeping straight from the table.
type postRow struct {
	State        string
	AttemptCount int
	LeaseToken   *string
	FailureKind  *string
}

func loadPost(t *testing.T, id string) (postRow, bool) {
	t.Helper()

	var row postRow
	err := testDB.QueryRow(context.Background(),
		`SELECT state, attempt_count, lease_token::text, failure_kind FROM posts WHERE id = $1`, id,
	).Scan(&row.State, &row.AttemptCount, &row.LeaseToken, &row.FailureKind)
	if err != nil {
		return postRow{}, false
	}
	return row, true
}

func scheduleNextDue(t *testing.T, id string) time.Time {
	t.Helper()

	var next time.Time
	err := testDB.QueryRow(context.Background(),
		`SELECT next_due_at FROM schedules WHERE id = $1`, id).Scan(&next)
	require.NoError(t, err, fmt.Sprintf("schedule %s", id))
	return next.UTC()
}
