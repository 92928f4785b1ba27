// Package postgres provides PostgreSQL implementation of the dispatch repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/dispatch"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postColumns = `p.id, p.schedule_id, p.queue_position, p.content, p.state, p.attempt_count,
	p.next_attempt_at, p.last_error, p.failure_kind, p.leased_at, p.discard_requested,
	p.sent_at, p.created_at, p.updated_at`

const channelColumns = `c.id, c.owner_user_id, c.kind, c.external_id, c.title,
	c.verification_status, c.created_at, c.updated_at`

// Repository implements dispatch.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindDueSchedules returns active schedules whose next slot is due.
func (r *Repository) FindDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	query := `
		SELECT id, channel_id, name, spec, state, next_due_at, last_fired_at, pause_reason, created_at, updated_at
		FROM schedules
		WHERE state = 'active' AND next_due_at <= $1
		ORDER BY next_due_at
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("find due schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]domain.Schedule, 0)
	for rows.Next() {
		var s domain.Schedule
		var spec []byte
		var pauseReason *string
		err := rows.Scan(
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
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.PauseReason = deref(pauseReason)
		s.Spec, s.SpecErr = cadence.Decode(spec)
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}

	return schedules, nil
}

// ClaimNextPendingPost claims the head of a schedule's queue and advances the
// schedule in one transaction.
func (r *Repository) ClaimNextPendingPost(ctx context.Context, claim dispatch.SlotClaim) (*domain.Claim, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	lockQuery := `
		SELECT id FROM schedules
		WHERE id = $1 AND state = 'active' AND next_due_at = $2
		FOR UPDATE SKIP LOCKED
	`
	var id string
	if err := tx.QueryRow(ctx, lockQuery, claim.ScheduleID, claim.DueAt).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrClaimConflict
		}
		return nil, fmt.Errorf("lock schedule: %w", err)
	}

	claimQuery := `
		WITH head AS (
			SELECT id FROM posts
			WHERE schedule_id = $1 AND state = 'pending' AND next_attempt_at IS NULL
			ORDER BY queue_position
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE posts p
		SET state = 'sending', lease_token = $2, leased_at = $3, updated_at = NOW()
		FROM head, schedules s, channels c
		WHERE p.id = head.id AND s.id = p.schedule_id AND c.id = s.channel_id
		RETURNING ` + postColumns + `, p.lease_token, ` + channelColumns

	token := uuid.NewString()
	result, err := scanClaim(tx.QueryRow(ctx, claimQuery, claim.ScheduleID, token, claim.Now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim post: %w", err)
	}

	advanceQuery := `
		UPDATE schedules
		SET next_due_at = $2, last_fired_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, advanceQuery, claim.ScheduleID, claim.NextDueAt, claim.DueAt); err != nil {
		return nil, fmt.Errorf("advance schedule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}

// ClaimDueRetryPosts claims pending posts whose retry time has come,
// whatever the state of their schedule.
func (r *Repository) ClaimDueRetryPosts(ctx context.Context, now time.Time, limit int) ([]domain.Claim, error) {
	query := `
		WITH due AS (
			SELECT id FROM posts
			WHERE state = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, queue_position
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE posts p
		SET state = 'sending', lease_token = gen_random_uuid(), leased_at = $1, updated_at = NOW()
		FROM due, schedules s, channels c
		WHERE p.id = due.id AND s.id = p.schedule_id AND c.id = s.channel_id
		RETURNING ` + postColumns + `, p.lease_token, ` + channelColumns

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retry posts: %w", err)
	}
	defer rows.Close()

	claims := make([]domain.Claim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}

	return claims, nil
}

// RenewLease moves leased_at to now while the lease is still held.
func (r *Repository) RenewLease(ctx context.Context, lease domain.Lease, now time.Time) (bool, error) {
	query := `
		UPDATE posts
		SET leased_at = $3, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = 'sending'
	`
	result, err := r.db.Exec(ctx, query, lease.PostID, lease.Token, now)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordSuccess marks a leased post as sent.
func (r *Repository) RecordSuccess(ctx context.Context, lease domain.Lease, sentAt time.Time) (bool, error) {
	query := `
		UPDATE posts
		SET state = 'sent', sent_at = $2, next_attempt_at = NULL,
			lease_token = NULL, leased_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return r.settle(ctx, lease, "posts_sent", query, sentAt)
}

// RecordFailure returns a leased post to pending with a retry time.
func (r *Repository) RecordFailure(ctx context.Context, lease domain.Lease, attempt int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	query := `
		UPDATE posts
		SET state = 'pending', attempt_count = $2, next_attempt_at = $3, last_error = $4,
			failure_kind = 'transient', lease_token = NULL, leased_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return r.settle(ctx, lease, "send_failures", query, attempt, nextAttemptAt, lastErr)
}

// RecordDead moves a leased post to the terminal dead state.
func (r *Repository) RecordDead(ctx context.Context, lease domain.Lease, kind domain.FailureKind, lastErr string) (bool, error) {
	query := `
		UPDATE posts
		SET state = 'dead', attempt_count = attempt_count + 1, next_attempt_at = NULL,
			last_error = $3, failure_kind = $2, lease_token = NULL, leased_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return r.settle(ctx, lease, "send_failures", query, kind, lastErr)
}

// settle applies an outcome update if the post is still held under lease.
// A post the owner deleted while it was sending is removed instead. The
// daily counter of the post's channel is bumped in the same transaction.
func (r *Repository) settle(ctx context.Context, lease domain.Lease, counter, query string, args ...any) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	lockQuery := `
		SELECT p.discard_requested, s.channel_id
		FROM posts p
		JOIN schedules s ON s.id = p.schedule_id
		WHERE p.id = $1 AND p.state = 'sending' AND p.lease_token = $2
		FOR UPDATE OF p
	`
	var discard bool
	var channelID string
	if err := tx.QueryRow(ctx, lockQuery, lease.PostID, lease.Token).Scan(&discard, &channelID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock leased post: %w", err)
	}

	if discard {
		if _, err := tx.Exec(ctx, `DELETE FROM posts WHERE id = $1`, lease.PostID); err != nil {
			return false, fmt.Errorf("delete discarded post: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, query, append([]any{lease.PostID}, args...)...); err != nil {
			return false, fmt.Errorf("update post: %w", err)
		}
	}

	statsQuery := fmt.Sprintf(`
		INSERT INTO delivery_stats_daily (day, channel_id, %[1]s)
		VALUES ((NOW() AT TIME ZONE 'UTC')::date, $1, 1)
		ON CONFLICT (day, channel_id) DO UPDATE SET %[1]s = delivery_stats_daily.%[1]s + 1
	`, counter)
	if _, err := tx.Exec(ctx, statsQuery, channelID); err != nil {
		return false, fmt.Errorf("update delivery stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return true, nil
}

// AdvanceSchedule moves next_due_at forward if no one else has.
func (r *Repository) AdvanceSchedule(ctx context.Context, scheduleID string, from, next time.Time) (bool, error) {
	query := `
		UPDATE schedules
		SET next_due_at = $3, updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND next_due_at = $2
	`
	result, err := r.db.Exec(ctx, query, scheduleID, from, next)
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ReclaimStaleSending returns expired claims to pending so the retry path
// picks them up. Attempt counts are left alone.
func (r *Repository) ReclaimStaleSending(ctx context.Context, leaseTimeout time.Duration, now time.Time) ([]domain.Post, error) {
	cutoff := now.Add(-leaseTimeout)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	discardQuery := `
		DELETE FROM posts
		WHERE state = 'sending' AND leased_at <= $1 AND discard_requested
	`
	if _, err := tx.Exec(ctx, discardQuery, cutoff); err != nil {
		return nil, fmt.Errorf("delete discarded posts: %w", err)
	}

	reclaimQuery := `
		WITH stale AS (
			SELECT id, leased_at FROM posts
			WHERE state = 'sending' AND leased_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE posts p
		SET state = 'pending', next_attempt_at = $2, lease_token = NULL, leased_at = NULL, updated_at = NOW()
		FROM stale
		WHERE p.id = stale.id
		RETURNING p.id, p.schedule_id, p.attempt_count, stale.leased_at
	`
	rows, err := tx.Query(ctx, reclaimQuery, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale posts: %w", err)
	}

	posts := make([]domain.Post, 0)
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.ID, &p.ScheduleID, &p.AttemptCount, &p.LeasedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reclaimed post: %w", err)
		}
		p.State = domain.PostStatePending
		p.NextAttemptAt = &now
		posts = append(posts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reclaimed posts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return posts, nil
}

// SuspendSchedule pauses a schedule and returns the channel it belongs to.
func (r *Repository) SuspendSchedule(ctx context.Context, scheduleID, reason string) (*domain.Channel, error) {
	query := `
		WITH suspended AS (
			UPDATE schedules
			SET state = 'paused', next_due_at = NULL, pause_reason = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING channel_id
		)
		SELECT ` + channelColumns + `
		FROM channels c
		JOIN suspended ON suspended.channel_id = c.id
	`
	var ch domain.Channel
	err := r.db.QueryRow(ctx, query, scheduleID, reason).Scan(
		&ch.ID,
		&ch.OwnerUserID,
		&ch.Kind,
		&ch.ExternalID,
		&ch.Title,
		&ch.VerificationStatus,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("suspend schedule: %w", err)
	}
	return &ch, nil
}

// GetQueueStats returns post counts by state.
func (r *Repository) GetQueueStats(ctx context.Context) (*dispatch.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'sending'),
			COUNT(*) FILTER (WHERE state = 'sent'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state = 'dead')
		FROM posts
	`
	var stats dispatch.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Sending,
		&stats.Sent,
		&stats.Failed,
		&stats.Dead,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func scanClaim(row pgx.Row) (*domain.Claim, error) {
	var claim domain.Claim
	var lastErr, failureKind *string
	p := &claim.Post
	c := &claim.Channel

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
		&claim.Lease.Token,
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

	p.LastError = deref(lastErr)
	p.FailureKind = domain.FailureKind(deref(failureKind))
	claim.Lease.PostID = p.ID
	return &claim, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
