// Package postgres provides PostgreSQL implementation of the scheduling repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/scheduling"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

const channelColumns = `id, owner_user_id, kind, external_id, title, verification_status, created_at, updated_at`

const scheduleColumns = `id, channel_id, name, spec, state, next_due_at, last_fired_at, pause_reason, created_at, updated_at`

const postColumns = `id, schedule_id, queue_position, content, state, attempt_count, next_attempt_at,
	last_error, failure_kind, leased_at, discard_requested, sent_at, created_at, updated_at`

// Repository implements scheduling.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateChannel inserts a channel.
func (r *Repository) CreateChannel(ctx context.Context, channel *domain.Channel) error {
	query := `
		INSERT INTO channels (owner_user_id, kind, external_id, title, verification_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		channel.OwnerUserID,
		channel.Kind,
		channel.ExternalID,
		channel.Title,
		channel.VerificationStatus,
	).Scan(&channel.ID, &channel.CreatedAt, &channel.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return scheduling.ErrChannelExists
		}
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
func (r *Repository) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	channel, err := scanChannel(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return nil, scheduling.ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

// ListChannels returns the channels of an owner, oldest first.
func (r *Repository) ListChannels(ctx context.Context, ownerUserID string) ([]domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE owner_user_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := make([]domain.Channel, 0)
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// DeleteChannel removes a channel. Schedules, posts and stats cascade.
func (r *Repository) DeleteChannel(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		if pgCode(err) == pgInvalidText {
			return scheduling.ErrChannelNotFound
		}
		return fmt.Errorf("delete channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return scheduling.ErrChannelNotFound
	}
	return nil
}

// SetVerificationStatus updates the verification status of a channel.
func (r *Repository) SetVerificationStatus(ctx context.Context, id string, status domain.VerificationStatus) (*domain.Channel, error) {
	query := `
		UPDATE channels SET verification_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + channelColumns
	channel, err := scanChannel(r.db.QueryRow(ctx, query, id, status))
	if err != nil {
		if notFound(err) {
			return nil, scheduling.ErrChannelNotFound
		}
		return nil, fmt.Errorf("set verification status: %w", err)
	}
	return channel, nil
}

// CreateSchedule inserts a schedule.
func (r *Repository) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	spec, err := cadence.Encode(schedule.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	query := `
		INSERT INTO schedules (channel_id, name, spec, state, next_due_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		schedule.ChannelID,
		schedule.Name,
		spec,
		schedule.State,
		schedule.NextDueAt,
	).Scan(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return scheduling.ErrChannelNotFound
		}
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (r *Repository) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return nil, scheduling.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedules returns the schedules of a channel, oldest first.
func (r *Repository) ListSchedules(ctx context.Context, channelID string) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE channel_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]domain.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

// UpdateScheduleSpec replaces the spec. Active schedules move to nextDueAt.
// The row is only written while next_due_at still equals expected, so a fire
// that advanced the schedule in between is never overwritten.
func (r *Repository) UpdateScheduleSpec(ctx context.Context, id string, spec cadence.Spec, nextDueAt time.Time, expected *time.Time) (*domain.Schedule, error) {
	raw, err := cadence.Encode(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}

	query := `
		UPDATE schedules
		SET spec = $2,
		    next_due_at = CASE WHEN state = 'active' THEN $3 ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1 AND next_due_at IS NOT DISTINCT FROM $4
		RETURNING ` + scheduleColumns
	schedule, err := r.updateSchedule(ctx, "update schedule spec", query, id, raw, nextDueAt, expected)
	if errors.Is(err, scheduling.ErrScheduleNotFound) {
		if _, getErr := r.GetSchedule(ctx, id); getErr == nil {
			return nil, scheduling.ErrScheduleChanged
		}
	}
	return schedule, err
}

// PauseSchedule pauses a schedule. Pausing a paused schedule keeps its reason.
func (r *Repository) PauseSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `
		UPDATE schedules
		SET state = 'paused',
		    next_due_at = NULL,
		    pause_reason = CASE WHEN state = 'paused' THEN pause_reason ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return r.updateSchedule(ctx, "pause schedule", query, id)
}

// ResumeSchedule activates a paused schedule at nextDueAt. Active schedules
// are left untouched.
func (r *Repository) ResumeSchedule(ctx context.Context, id string, nextDueAt time.Time) (*domain.Schedule, error) {
	query := `
		UPDATE schedules
		SET next_due_at = CASE WHEN state = 'active' THEN next_due_at ELSE $2 END,
		    state = 'active',
		    pause_reason = NULL,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return r.updateSchedule(ctx, "resume schedule", query, id, nextDueAt)
}

func (r *Repository) updateSchedule(ctx context.Context, op, query string, args ...any) (*domain.Schedule, error) {
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if notFound(err) {
			return nil, scheduling.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return schedule, nil
}

// DeleteSchedule removes a schedule and its posts.
func (r *Repository) DeleteSchedule(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		if pgCode(err) == pgInvalidText {
			return scheduling.ErrScheduleNotFound
		}
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return scheduling.ErrScheduleNotFound
	}
	return nil
}

// EnqueuePosts appends posts in one transaction so a batch gets contiguous
// queue positions relative to its own order.
func (r *Repository) EnqueuePosts(ctx context.Context, scheduleID string, contents []domain.Content) ([]domain.Post, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO posts (schedule_id, content)
		VALUES ($1, $2)
		RETURNING ` + postColumns

	posts := make([]domain.Post, 0, len(contents))
	for _, content := range contents {
		post, err := scanPost(tx.QueryRow(ctx, query, scheduleID, content))
		if err != nil {
			if code := pgCode(err); code == pgForeignKeyViolation || code == pgInvalidText {
				return nil, scheduling.ErrScheduleNotFound
			}
			return nil, fmt.Errorf("insert post: %w", err)
		}
		posts = append(posts, *post)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return posts, nil
}

// GetPost retrieves a post by ID.
func (r *Repository) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`
	post, err := scanPost(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return nil, scheduling.ErrPostNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// ListPosts returns a schedule's posts in queue order.
func (r *Repository) ListPosts(ctx context.Context, scheduleID string, filter scheduling.PostFilter) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE schedule_id = $1`
	args := []any{scheduleID}

	if filter.State != nil {
		args = append(args, *filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY queue_position"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]domain.Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// DeletePost removes a post, or flags it for removal if it is being sent.
func (r *Repository) DeletePost(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var state domain.PostState
	err = tx.QueryRow(ctx, `SELECT state FROM posts WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if err != nil {
		if notFound(err) {
			return false, scheduling.ErrPostNotFound
		}
		return false, fmt.Errorf("lock post: %w", err)
	}

	discarded := state == domain.PostStateSending
	if discarded {
		_, err = tx.Exec(ctx, `UPDATE posts SET discard_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	}
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return discarded, nil
}

// RequeuePost moves a dead post to the tail of its queue.
func (r *Repository) RequeuePost(ctx context.Context, id string) (*domain.Post, error) {
	query := `
		UPDATE posts
		SET state = 'pending',
		    queue_position = nextval('posts_queue_position_seq'),
		    attempt_count = 0,
		    next_attempt_at = NULL,
		    last_error = NULL,
		    failure_kind = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'dead'
		RETURNING ` + postColumns
	post, err := scanPost(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if notFound(err) {
			return nil, scheduling.ErrPostNotFound
		}
		return nil, fmt.Errorf("requeue post: %w", err)
	}

	if _, err := r.GetPost(ctx, id); err != nil {
		return nil, err
	}
	return nil, scheduling.ErrPostNotDead
}

// GetDeliveryStats returns daily counters of a channel from since, oldest first.
func (r *Repository) GetDeliveryStats(ctx context.Context, channelID string, since time.Time) ([]domain.DeliveryStats, error) {
	query := `
		SELECT to_char(day, 'YYYY-MM-DD'), channel_id, posts_sent, send_failures
		FROM delivery_stats_daily
		WHERE channel_id = $1 AND day >= $2::date
		ORDER BY day
	`
	rows, err := r.db.Query(ctx, query, channelID, since.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("get delivery stats: %w", err)
	}
	defer rows.Close()

	stats := make([]domain.DeliveryStats, 0)
	for rows.Next() {
		var s domain.DeliveryStats
		if err := rows.Scan(&s.Day, &s.ChannelID, &s.PostsSent, &s.SendFailures); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery stats: %w", err)
	}
	return stats, nil
}

// GetUserContext returns the stored selection, or an empty one.
func (r *Repository) GetUserContext(ctx context.Context, userID string) (*domain.UserContext, error) {
	query := `
		SELECT user_id, selected_channel_id, selected_schedule_id, updated_at
		FROM user_context
		WHERE user_id = $1
	`
	uc := domain.UserContext{UserID: userID}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&uc.UserID,
		&uc.SelectedChannelID,
		&uc.SelectedScheduleID,
		&uc.UpdatedAt,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get user context: %w", err)
	}
	return &uc, nil
}

// SaveUserContext upserts the selection of a user.
func (r *Repository) SaveUserContext(ctx context.Context, uc *domain.UserContext) error {
	query := `
		INSERT INTO user_context (user_id, selected_channel_id, selected_schedule_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET selected_channel_id = EXCLUDED.selected_channel_id,
		    selected_schedule_id = EXCLUDED.selected_schedule_id,
		    updated_at = NOW()
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, uc.UserID, uc.SelectedChannelID, uc.SelectedScheduleID).Scan(&uc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save user context: %w", err)
	}
	return nil
}

func scanChannel(row pgx.Row) (*domain.Channel, error) {
	var c domain.Channel
	err := row.Scan(
		&c.ID,
		&c.OwnerUserID,
		&c.Kind,
		&c.ExternalID,
		&c.Title,
		&c.VerificationStatus,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var spec []byte
	var pauseReason *string
	err := row.Scan(
		&s.ID,
		&s.ChannelID,
		&s.Name,
		&spec,
		&s.State,
		&s.NextDueAt,
		&s.LastFiredAt,
		&pauseReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pauseReason != nil {
		s.PauseReason = *pauseReason
	}
	s.Spec, s.SpecErr = cadence.Decode(spec)
	return &s, nil
}

func scanPost(row pgx.Row) (*domain.Post, error) {
	var p domain.Post
	var lastErr, failureKind *string
	err := row.Scan(
		&p.ID,
		&p.ScheduleID,
		&p.QueuePosition,
		&p.Content,
		&p.State,
		&p.AttemptCount,
		&p.NextAttemptAt,
		&lastErr,
		&failureKind,
		&p.LeasedAt,
		&p.DiscardRequested,
		&p.SentAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastErr != nil {
		p.LastError = *lastErr
	}
	if failureKind != nil {
		p.FailureKind = domain.FailureKind(*failureKind)
	}
	return &p, nil
}

// notFound reports a missing row or an ID that is not a UUID.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || pgCode(err) == pgInvalidText
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
