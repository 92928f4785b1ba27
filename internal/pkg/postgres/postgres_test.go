package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 9, want: 16 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calcBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "://bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database url")
}

func TestMigrateDown_RejectsNonPositiveSteps(t *testing.T) {
	err := MigrateDown("postgres://localhost/none", 0)
	require.Error(t, err)
}

func TestNewPoolConfig(t *testing.T) {
	cfg, err := newPoolConfig(Config{
		URL:             "postgres://u:p@localhost:5432/db",
		MaxOpenConns:    8,
		MaxIdleConns:    20,
		ConnMaxLifetime: time.Minute,
		ApplicationName: "post-scheduler",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(8), cfg.MaxConns)
	assert.Equal(t, int32(8), cfg.MinConns, "idle connections are capped by the pool size")
	assert.Equal(t, time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, "UTC", cfg.ConnConfig.RuntimeParams["timezone"])
	assert.Equal(t, "post-scheduler", cfg.ConnConfig.RuntimeParams["application_name"])
}
