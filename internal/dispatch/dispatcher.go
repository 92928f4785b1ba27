// Package dispatch drives scheduled delivery of queued posts: it fires due
// schedule slots, retries failed deliveries with backoff and recovers posts
// stranded by crashed dispatchers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// EmptyQueuePolicy decides what a due schedule with no pending posts does.
type EmptyQueuePolicy string

// Empty queue policies.
const (
	// EmptyQueueAdvance moves next_due_at on as if the slot fired.
	EmptyQueueAdvance EmptyQueuePolicy = "advance"
	// EmptyQueueHold keeps next_due_at so the next enqueued post fires at once.
	EmptyQueueHold EmptyQueuePolicy = "hold"
)

// outcomeWriteTimeout bounds outcome write-back after delivery.
const outcomeWriteTimeout = 10 * time.Second

// Config contains dispatcher configuration.
type Config struct {
	TickInterval     time.Duration
	LeaseTimeout     time.Duration
	DeliveryTimeout  time.Duration
	Workers          int
	RetryBatchSize   int
	EmptyQueuePolicy EmptyQueuePolicy
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:     30 * time.Second,
		LeaseTimeout:     5 * time.Minute,
		DeliveryTimeout:  30 * time.Second,
		Workers:          5,
		RetryBatchSize:   100,
		EmptyQueuePolicy: EmptyQueueAdvance,
	}
}

// TickStats summarises one tick.
type TickStats struct {
	Reclaimed   int
	Fired       int
	Advanced    int
	Conflicts   int
	Suspended   int
	Retried     int
	Sent        int
	Rescheduled int
	Dead        int
	// Stale counts claims whose lease was lost before or during delivery.
	Stale int
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithEscalator sets who is told about dead posts and suspended schedules.
func WithEscalator(e Escalator) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.escalator = e
		}
	}
}

// Dispatcher claims due posts and drives their delivery.
type Dispatcher struct {
	config     Config
	repo       Repository
	gateway    Gateway
	calc       cadence.Calculator
	retry      RetryPolicy
	clock      Clock
	escalator  Escalator
	instanceID string

	tickMu   sync.Mutex
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(config Config, repo Repository, gateway Gateway, calc cadence.Calculator, retry RetryPolicy, opts ...Option) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryBatchSize <= 0 {
		config.RetryBatchSize = DefaultConfig().RetryBatchSize
	}
	if config.EmptyQueuePolicy == "" {
		config.EmptyQueuePolicy = EmptyQueueAdvance
	}

	d := &Dispatcher{
		config:     config,
		repo:       repo,
		gateway:    gateway,
		calc:       calc,
		retry:      retry,
		clock:      SystemClock{},
		escalator:  nopEscalator{},
		instanceID: uuid.NewString(),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the tick loop. The first tick runs immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting dispatcher",
		"instance", d.instanceID,
		"tick_interval", d.config.TickInterval,
		"lease_timeout", d.config.LeaseTimeout,
		"workers", d.config.Workers,
		"empty_queue_policy", d.config.EmptyQueuePolicy,
	)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop waits for the current tick, including its deliveries, to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("dispatcher stopped", "instance", d.instanceID)
}

// Wake requests an early tick. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.wakeCh:
			d.Tick(ctx)
		}
	}
}

// Tick runs one full pass: reclaim stale leases, fire due slots, claim due
// retries, then deliver everything claimed. Ticks never overlap within one
// dispatcher.
func (d *Dispatcher) Tick(ctx context.Context) TickStats {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	now := d.clock.Now().UTC()
	var stats TickStats

	stats.Reclaimed = d.reclaimStale(ctx, now)

	claims := d.fireDueSchedules(ctx, now, &stats)
	stats.Fired = len(claims)
	recordClaims("slot", len(claims))

	retries, err := d.repo.ClaimDueRetryPosts(ctx, now, d.config.RetryBatchSize)
	if err != nil {
		slog.Error("failed to claim due retries", "error", err)
	}
	stats.Retried = len(retries)
	recordClaims("retry", len(retries))

	outcomes := d.deliverAll(ctx, append(claims, retries...))
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			stats.Sent++
		case outcomeRetry:
			stats.Rescheduled++
		case outcomeDeadPermanent, outcomeDeadExhausted:
			stats.Dead++
		case outcomeStale:
			stats.Stale++
		}
	}

	if stats.Fired+stats.Retried+stats.Reclaimed+stats.Suspended > 0 {
		slog.Debug("dispatch tick",
			"instance", d.instanceID,
			"reclaimed", stats.Reclaimed,
			"fired", stats.Fired,
			"retried", stats.Retried,
			"sent", stats.Sent,
			"rescheduled", stats.Rescheduled,
			"dead", stats.Dead,
		)
	}
	return stats
}

func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time) int {
	posts, err := d.repo.ReclaimStaleSending(ctx, d.config.LeaseTimeout, now)
	if err != nil {
		slog.Error("failed to reclaim stale claims", "error", err)
		return 0
	}
	for _, p := range posts {
		slog.Warn("reclaimed stale claim",
			"post_id", p.ID,
			"schedule_id", p.ScheduleID,
			"leased_at", p.LeasedAt,
			"attempt_count", p.AttemptCount,
		)
	}
	reclaimedTotal.Add(float64(len(posts)))
	return len(posts)
}

func (d *Dispatcher) fireDueSchedules(ctx context.Context, now time.Time, stats *TickStats) []domain.Claim {
	schedules, err := d.repo.FindDueSchedules(ctx, now)
	if err != nil {
		slog.Error("failed to find due schedules", "error", err)
		return nil
	}

	var claims []domain.Claim
	for i := range schedules {
		claim, err := d.fireSchedule(ctx, &schedules[i], now, stats)
		if err != nil {
			slog.Error("failed to fire schedule", "schedule_id", schedules[i].ID, "error", err)
			continue
		}
		if claim != nil {
			claims = append(claims, *claim)
		}
	}
	return claims
}

func (d *Dispatcher) fireSchedule(ctx context.Context, s *domain.Schedule, now time.Time, stats *TickStats) (*domain.Claim, error) {
	if s.NextDueAt == nil {
		return nil, nil
	}
	dueAt := *s.NextDueAt

	if s.SpecErr != nil {
		d.suspend(ctx, s.ID, s.SpecErr)
		stats.Suspended++
		return nil, nil
	}

	next, skipped, err := d.calc.Advance(s.Spec, dueAt, now)
	if err != nil {
		d.suspend(ctx, s.ID, err)
		stats.Suspended++
		return nil, nil
	}
	if skipped > 0 {
		slog.Warn("skipped overdue slots", "schedule_id", s.ID, "skipped", skipped, "next_due_at", next)
		slotsSkipped.Add(float64(skipped))
	}

	claim, err := d.repo.ClaimNextPendingPost(ctx, SlotClaim{
		ScheduleID: s.ID,
		DueAt:      dueAt,
		NextDueAt:  next,
		Now:        now,
	})
	if errors.Is(err, ErrClaimConflict) {
		slog.Debug("slot already claimed", "schedule_id", s.ID, "due_at", dueAt)
		claimConflicts.Inc()
		stats.Conflicts++
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim post: %w", err)
	}
	if claim != nil {
		return claim, nil
	}

	if d.config.EmptyQueuePolicy == EmptyQueueHold {
		return nil, nil
	}
	advanced, err := d.repo.AdvanceSchedule(ctx, s.ID, dueAt, next)
	if err != nil {
		return nil, fmt.Errorf("advance empty schedule: %w", err)
	}
	if advanced {
		stats.Advanced++
		slog.Debug("advanced empty schedule", "schedule_id", s.ID, "next_due_at", next)
	}
	return nil, nil
}

func (d *Dispatcher) suspend(ctx context.Context, scheduleID string, cause error) {
	reason := cause.Error()
	slog.Error("suspending schedule with invalid spec", "schedule_id", scheduleID, "error", cause)
	suspendedTotal.Inc()

	channel, err := d.repo.SuspendSchedule(ctx, scheduleID, reason)
	if err != nil {
		slog.Error("failed to suspend schedule", "schedule_id", scheduleID, "error", err)
		return
	}
	if err := d.escalator.ScheduleSuspended(ctx, *channel, scheduleID, reason); err != nil {
		slog.Warn("failed to notify owner about suspended schedule", "schedule_id", scheduleID, "error", err)
	}
}

type outcome string

const (
	outcomeSent          outcome = "sent"
	outcomeRetry         outcome = "retry"
	outcomeDeadPermanent outcome = "dead_permanent"
	outcomeDeadExhausted outcome = "dead_exhausted"
	outcomeStale         outcome = "stale"
)

// deliverAll delivers claims concurrently, at most Workers at a time. A claim
// may wait for a worker longer than the lease timeout, so each lease is
// renewed when its worker starts.
func (d *Dispatcher) deliverAll(ctx context.Context, claims []domain.Claim) []outcome {
	outcomes := make([]outcome, len(claims))
	if len(claims) == 0 {
		return outcomes
	}

	sem := make(chan struct{}, d.config.Workers)
	var wg sync.WaitGroup
	for i := range claims {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.deliver(ctx, claims[i])
		}(i)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, claim domain.Claim) outcome {
	ctx = ctxlog.With(ctx,
		"post_id", claim.Post.ID,
		"schedule_id", claim.Post.ScheduleID,
		"channel_id", claim.Channel.ID,
	)
	kind := string(claim.Channel.Kind)

	renewed, err := d.repo.RenewLease(ctx, claim.Lease, d.clock.Now().UTC())
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to renew lease", "error", err)
		recordDelivery(kind, string(outcomeStale))
		return outcomeStale
	}
	if !renewed {
		ctxlog.FromContext(ctx).Info("claim released before delivery started")
		recordDelivery(kind, string(outcomeStale))
		return outcomeStale
	}

	start := time.Now()
	err = d.attempt(ctx, claim)
	recordDeliveryDuration(kind, time.Since(start))

	// Outcomes are written even if the loop is shutting down.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	var o outcome
	if err == nil {
		o = d.recordSuccess(writeCtx, claim)
	} else {
		o = d.handleFailure(writeCtx, claim, err)
	}
	recordDelivery(kind, string(o))
	return o
}

func (d *Dispatcher) attempt(ctx context.Context, claim domain.Claim) error {
	if !claim.Channel.IsVerified() {
		return Permanent(fmt.Errorf("%w: %s", ErrChannelNotVerified, claim.Channel.VerificationStatus))
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()
	return d.gateway.Deliver(ctx, claim.Channel, claim.Post.Content)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, claim domain.Claim) outcome {
	applied, err := d.repo.RecordSuccess(ctx, claim.Lease, d.clock.Now().UTC())
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to mark as sent", "error", err)
		return outcomeSent
	}
	if !applied {
		ctxlog.FromContext(ctx).Info("discarded outcome of released claim", "outcome", outcomeSent)
		return outcomeStale
	}

	ctxlog.FromContext(ctx).Debug("post sent")
	return outcomeSent
}

func (d *Dispatcher) handleFailure(ctx context.Context, claim domain.Claim, sendErr error) outcome {
	prior := claim.Post.AttemptCount
	kind := Classify(sendErr)
	logger := ctxlog.FromContext(ctx)

	logger.Warn("delivery failed",
		"attempt", prior+1,
		"max_attempts", d.retry.MaxAttempts,
		"failure_kind", kind,
		"error", sendErr,
	)

	switch {
	case kind == domain.FailurePermanent:
		return d.markDead(ctx, claim, domain.FailurePermanent, sendErr)
	case d.retry.Exhausted(prior):
		return d.markDead(ctx, claim, domain.FailureExhausted, sendErr)
	}

	attempt := prior + 1
	delay := d.retry.NextDelay(attempt)
	if ra := RetryAfter(sendErr); ra > delay {
		delay = ra
	}
	nextAttempt := d.clock.Now().UTC().Add(delay)

	applied, err := d.repo.RecordFailure(ctx, claim.Lease, attempt, nextAttempt, sendErr.Error())
	if err != nil {
		logger.Error("failed to mark for retry", "error", err)
		return outcomeRetry
	}
	if !applied {
		logger.Info("discarded outcome of released claim", "outcome", outcomeRetry)
		return outcomeStale
	}

	logger.Info("post scheduled for retry",
		"attempt", attempt,
		"next_attempt", nextAttempt,
	)
	return outcomeRetry
}

func (d *Dispatcher) markDead(ctx context.Context, claim domain.Claim, kind domain.FailureKind, sendErr error) outcome {
	o := outcomeDeadPermanent
	if kind == domain.FailureExhausted {
		o = outcomeDeadExhausted
	}
	logger := ctxlog.FromContext(ctx)

	applied, err := d.repo.RecordDead(ctx, claim.Lease, kind, sendErr.Error())
	if err != nil {
		logger.Error("failed to mark as dead", "error", err)
		return o
	}
	if !applied {
		logger.Info("discarded outcome of released claim", "outcome", o)
		return outcomeStale
	}

	logger.Error("post is dead",
		"failure_kind", kind,
		"error", sendErr,
	)

	if err := d.escalator.PostDead(ctx, claim, kind, sendErr.Error()); err != nil {
		logger.Warn("failed to notify owner about dead post", "error", err)
	}
	return o
}
