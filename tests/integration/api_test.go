//go:build integration

package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPI_HealthAndVersion(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		t.Run(path, func(t *testing.T) {
			resp, err := testClient.GET(path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	resp, err := testClient.WithoutValidation().GET("/api/v1/channels")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ChannelLifecycle(t *testing.T) {
	client, userID := newUser(t)

	channel := createChannel(t, client)
	assert.Equal(t, userID, channel.OwnerUserID)
	assert.Equal(t, domain.ChannelKindMattermost, channel.Kind)
	assert.Equal(t, domain.VerificationUnverified, channel.VerificationStatus)

	resp, err := client.GET("/api/v1/channels")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var channels []domain.Channel
	testutil.DecodeData(t, resp, &channels)
	require.Len(t, channels, 1)
	assert.Equal(t, channel.ID, channels[0].ID)

	t.Run("duplicate external id conflicts", func(t *testing.T) {
		resp, err := client.POST("/api/v1/channels", map[string]any{
			"kind":        "mattermost",
			"external_id": channel.ExternalID,
		})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("other users do not see it", func(t *testing.T) {
		other, _ := newUser(t)
		resp, err := other.GET("/api/v1/channels/" + channel.ID)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("plain users cannot verify", func(t *testing.T) {
		resp, err := client.WithoutValidation().PUT("/api/v1/channels/"+channel.ID+"/verification", map[string]any{
			"status": "verified",
		})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	resp, err = client.DELETE("/api/v1/channels/" + channel.ID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = client.GET("/api/v1/channels/" + channel.ID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ScheduleLifecycle(t *testing.T) {
	client, _ := newUser(t)
	channel := createChannel(t, client)

	before := time.Now().UTC()
	schedule := createSchedule(t, client, channel.ID, map[string]any{
		"type":  "weekly",
		"days":  []string{"monday", "thursday"},
		"times": []string{"09:00"},
	})
	assert.Equal(t, domain.ScheduleStateActive, schedule.State)
	require.NotNil(t, schedule.NextDueAt)
	assert.True(t, schedule.NextDueAt.After(before))
	assert.Contains(t, []time.Weekday{time.Monday, time.Thursday}, schedule.NextDueAt.Weekday())
	assert.Equal(t, 9, schedule.NextDueAt.Hour())

	resp, err := client.GET("/api/v1/schedules/" + schedule.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var details scheduleView
	testutil.DecodeData(t, resp, &details)
	require.Len(t, details.Upcoming, 5)
	assert.Equal(t, *schedule.NextDueAt, details.Upcoming[0])
	for i := 1; i < len(details.Upcoming); i++ {
		assert.True(t, details.Upcoming[i].After(details.Upcoming[i-1]))
	}

	resp, err = client.PUT("/api/v1/schedules/"+schedule.ID+"/spec", map[string]any{
		"spec": map[string]any{"type": "daily", "times": []string{"06:30"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated scheduleView
	testutil.DecodeData(t, resp, &updated)
	assert.Equal(t, "daily", updated.Spec["type"])
	require.NotNil(t, updated.NextDueAt)
	assert.Equal(t, 6, updated.NextDueAt.Hour())
	assert.Equal(t, 30, updated.NextDueAt.Minute())

	resp, err = client.POST("/api/v1/schedules/"+schedule.ID+"/pause", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var paused scheduleView
	testutil.DecodeData(t, resp, &paused)
	assert.Equal(t, domain.ScheduleStatePaused, paused.State)

	resp, err = client.POST("/api/v1/schedules/"+schedule.ID+"/resume", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resumed scheduleView
	testutil.DecodeData(t, resp, &resumed)
	assert.Equal(t, domain.ScheduleStateActive, resumed.State)

	resp, err = client.GET("/api/v1/channels/" + channel.ID + "/schedules")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var schedules []scheduleView
	testutil.DecodeData(t, resp, &schedules)
	require.Len(t, schedules, 1)

	resp, err = client.DELETE("/api/v1/schedules/" + schedule.ID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_InvalidSpecs(t *testing.T) {
	client, _ := newUser(t)
	channel := createChannel(t, client)

	specs := map[string]map[string]any{
		"unknown type":       {"type": "monthly"},
		"zero interval":      {"type": "interval"},
		"sub-minute":         {"type": "interval", "minutes": 0, "hours": 0},
		"daily without time": {"type": "daily"},
		"bad time":           {"type": "daily", "times": []string{"25:00"}},
		"bad weekday":        {"type": "weekly", "days": []string{"someday"}, "times": []string{"10:00"}},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			resp, err := client.WithoutValidation().POST("/api/v1/channels/"+channel.ID+"/schedules", map[string]any{"spec": spec})
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAPI_PostQueue(t *testing.T) {
	client, _ := newUser(t)
	channel := createChannel(t, client)
	schedule := createSchedule(t, client, channel.ID, hourlySpec())

	resp, err := client.POST("/api/v1/schedules/"+schedule.ID+"/posts", map[string]any{
		"text":       "*hello*",
		"parse_mode": "MarkdownV2",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var single domain.Post
	testutil.DecodeData(t, resp, &single)
	assert.Equal(t, domain.PostStatePending, single.State)
	assert.Equal(t, "MarkdownV2", single.Content.ParseMode)

	bulk := enqueue(t, client, schedule.ID, "two", "three")
	assert.Greater(t, bulk[0].QueuePosition, single.QueuePosition)
	assert.Greater(t, bulk[1].QueuePosition, bulk[0].QueuePosition)

	posts := listPosts(t, client, schedule.ID, "")
	require.Len(t, posts, 3)
	assert.Equal(t, []string{"*hello*", "two", "three"}, []string{
		posts[0].Content.Text, posts[1].Content.Text, posts[2].Content.Text,
	})

	limited := listPosts(t, client, schedule.ID, "limit=2")
	assert.Len(t, limited, 2)

	resp, err = client.DELETE("/api/v1/posts/" + bulk[0].ID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, listPosts(t, client, schedule.ID, ""), 2)

	resp, err = client.POST("/api/v1/posts/"+bulk[1].ID+"/requeue", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_PostValidation(t *testing.T) {
	client, _ := newUser(t)
	channel := createChannel(t, client)
	schedule := createSchedule(t, client, channel.ID, hourlySpec())

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty", map[string]any{}},
		{"too long", map[string]any{"text": strings.Repeat("x", 4097)}},
		{"bad parse mode", map[string]any{"text": "x", "parse_mode": "BBCode"}},
		{"media without file", map[string]any{"media_type": "photo"}},
		{"file without media", map[string]any{"file_id": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.WithoutValidation().POST("/api/v1/schedules/"+schedule.ID+"/posts", tt.body)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	t.Run("oversized batch", func(t *testing.T) {
		posts := make([]map[string]any, 101)
		for i := range posts {
			posts[i] = map[string]any{"text": "x"}
		}
		resp, err := client.WithoutValidation().POST("/api/v1/schedules/"+schedule.ID+"/posts/bulk", map[string]any{"posts": posts})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	assert.Empty(t, listPosts(t, client, schedule.ID, ""))
}

func TestAPI_UserContext(t *testing.T) {
	client, userID := newUser(t)
	channel := createChannel(t, client)
	schedule := createSchedule(t, client, channel.ID, hourlySpec())

	resp, err := client.GET("/api/v1/me/context")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty domain.UserContext
	testutil.DecodeData(t, resp, &empty)
	assert.Equal(t, userID, empty.UserID)
	assert.Nil(t, empty.SelectedChannelID)

	resp, err = client.PUT("/api/v1/me/context", map[string]any{
		"channel_id":  channel.ID,
		"schedule_id": schedule.ID,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved domain.UserContext
	testutil.DecodeData(t, resp, &saved)
	require.NotNil(t, saved.SelectedScheduleID)
	assert.Equal(t, schedule.ID, *saved.SelectedScheduleID)

	t.Run("foreign channel is rejected", func(t *testing.T) {
		other, _ := newUser(t)
		resp, err := other.PUT("/api/v1/me/context", map[string]any{"channel_id": channel.ID})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAPI_AlbumPostRoundTrip(t *testing.T) {
	client, _ := newUser(t)
	channel := createChannel(t, client)
	schedule := createSchedule(t, client, channel.ID, hourlySpec())

	resp, err := client.POST("/api/v1/schedules/"+schedule.ID+"/posts", map[string]any{
		"media_type": "media_group",
		"media": []map[string]any{
			{
				"media_type": "photo",
				"file_id":    "photo-1",
				"caption":    "Launch day",
				"entities":   []map[string]any{{"type": "bold", "offset": 0, "length": 6}},
			},
			{"media_type": "video", "file_id": "video-1"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Post
	testutil.DecodeData(t, resp, &created)

	posts := listPosts(t, client, schedule.ID, "")
	require.Len(t, posts, 1)
	want := domain.Content{
		MediaType: domain.MediaGroup,
		Media: []domain.MediaItem{
			{
				MediaType: domain.MediaPhoto,
				FileID:    "photo-1",
				Caption:   "Launch day",
				Entities:  []domain.Entity{{Type: "bold", Offset: 0, Length: 6}},
			},
			{MediaType: domain.MediaVideo, FileID: "video-1"},
		},
	}
	assert.Equal(t, want, created.Content)
	assert.Equal(t, want, posts[0].Content)

	t.Run("entities with parse mode are rejected", func(t *testing.T) {
		resp, err := client.POST("/api/v1/schedules/"+schedule.ID+"/posts", map[string]any{
			"text":       "hello",
			"parse_mode": "HTML",
			"entities":   []map[string]any{{"type": "bold", "offset": 0, "length": 5}},
		})
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
