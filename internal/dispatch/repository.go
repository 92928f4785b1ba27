package dispatch

import (
	"context"
	"time"

	"github.com/bissquit/post-scheduler/internal/domain"
)

// SlotClaim asks for the post that fires a schedule's due slot.
type SlotClaim struct {
	ScheduleID string
	// DueAt is the next_due_at value the dispatcher observed. The claim fails
	// with ErrClaimConflict if the schedule moved on in the meantime.
	DueAt time.Time
	// NextDueAt replaces DueAt in the same transaction as the claim.
	NextDueAt time.Time
	Now       time.Time
}

// QueueStats counts posts by state.
type QueueStats struct {
	Pending int64
	Sending int64
	Sent    int64
	Failed  int64
	Dead    int64
}

// Repository is the storage contract of the dispatcher. Claims must be
// exclusive across concurrent dispatchers.
type Repository interface {
	// FindDueSchedules returns active schedules with next_due_at <= now.
	FindDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)

	// ClaimNextPendingPost locks the schedule and its oldest fresh pending post,
	// marks the post sending and advances the schedule, atomically. Returns
	// nil without error when the queue is empty and ErrClaimConflict when
	// another dispatcher holds or already advanced the slot.
	ClaimNextPendingPost(ctx context.Context, claim SlotClaim) (*domain.Claim, error)

	// ClaimDueRetryPosts claims up to limit pending posts whose
	// next_attempt_at <= now, regardless of schedule state.
	ClaimDueRetryPosts(ctx context.Context, now time.Time, limit int) ([]domain.Claim, error)

	// RenewLease restamps leased_at when a worker starts the attempt. It
	// returns false if the lease was reclaimed while the claim waited for a
	// worker.
	RenewLease(ctx context.Context, lease domain.Lease, now time.Time) (bool, error)

	// Outcome writes apply only while the post is still sending under the
	// lease; otherwise they are no-ops and return false.
	RecordSuccess(ctx context.Context, lease domain.Lease, sentAt time.Time) (bool, error)
	RecordFailure(ctx context.Context, lease domain.Lease, attempt int, nextAttemptAt time.Time, lastErr string) (bool, error)
	RecordDead(ctx context.Context, lease domain.Lease, kind domain.FailureKind, lastErr string) (bool, error)

	// AdvanceSchedule moves next_due_at from -> next if it still equals from.
	AdvanceSchedule(ctx context.Context, scheduleID string, from, next time.Time) (bool, error)

	// ReclaimStaleSending returns sending posts leased before now-leaseTimeout
	// to pending with next_attempt_at = now.
	ReclaimStaleSending(ctx context.Context, leaseTimeout time.Duration, now time.Time) ([]domain.Post, error)

	// SuspendSchedule pauses a schedule the dispatcher cannot compute and
	// returns its channel.
	SuspendSchedule(ctx context.Context, scheduleID, reason string) (*domain.Channel, error)

	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
