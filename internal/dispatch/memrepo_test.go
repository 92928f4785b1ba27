package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/google/uuid"
)

// memRepo is an in-memory Repository with the same claim semantics as the
// postgres implementation. One mutex stands in for row locks.
type memRepo struct {
	mu        sync.Mutex
	channels  map[string]domain.Channel
	schedules map[string]*domain.Schedule
	posts     map[string]*domain.Post
	leases    map[string]string
	seq       int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		channels:  make(map[string]domain.Channel),
		schedules: make(map[string]*domain.Schedule),
		posts:     make(map[string]*domain.Post),
		leases:    make(map[string]string),
	}
}

func (r *memRepo) addChannel(status domain.VerificationStatus) domain.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := domain.Channel{
		ID:                 uuid.NewString(),
		OwnerUserID:        "owner-1",
		Kind:               domain.ChannelKindTelegram,
		ExternalID:         "-100123",
		Title:              "test channel",
		VerificationStatus: status,
	}
	r.channels[ch.ID] = ch
	return ch
}

func (r *memRepo) addSchedule(channelID string, spec cadence.Spec, nextDue time.Time) *domain.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := nextDue
	s := &domain.Schedule{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Name:      "test schedule",
		Spec:      spec,
		State:     domain.ScheduleStateActive,
		NextDueAt: &due,
	}
	r.schedules[s.ID] = s
	return s
}

func (r *memRepo) addPost(scheduleID, text string) *domain.Post {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	p := &domain.Post{
		ID:            uuid.NewString(),
		ScheduleID:    scheduleID,
		QueuePosition: r.seq,
		Content:       domain.Content{Text: text},
		State:         domain.PostStatePending,
	}
	r.posts[p.ID] = p
	return p
}

func (r *memRepo) post(id string) (domain.Post, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.posts[id]
	if !ok {
		return domain.Post{}, false
	}
	return *p, true
}

func (r *memRepo) schedule(id string) domain.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.schedules[id]
}

func (r *memRepo) update(id string, fn func(p *domain.Post)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.posts[id])
}

func (r *memRepo) FindDueSchedules(_ context.Context, now time.Time) ([]domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Schedule
	for _, s := range r.schedules {
		if s.IsActive() && s.NextDueAt != nil && !s.NextDueAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	return out, nil
}

func (r *memRepo) ClaimNextPendingPost(_ context.Context, claim SlotClaim) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[claim.ScheduleID]
	if !ok || !s.IsActive() || s.NextDueAt == nil || !s.NextDueAt.Equal(claim.DueAt) {
		return nil, ErrClaimConflict
	}

	var next *domain.Post
	for _, p := range r.posts {
		if p.ScheduleID != s.ID || p.State != domain.PostStatePending || p.NextAttemptAt != nil {
			continue
		}
		if next == nil || p.QueuePosition < next.QueuePosition {
			next = p
		}
	}
	if next == nil {
		return nil, nil
	}

	due := claim.NextDueAt
	fired := claim.DueAt
	s.NextDueAt = &due
	s.LastFiredAt = &fired

	return r.lease(next, claim.Now), nil
}

func (r *memRepo) ClaimDueRetryPosts(_ context.Context, now time.Time, limit int) ([]domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.Post
	for _, p := range r.posts {
		if p.State == domain.PostStatePending && p.NextAttemptAt != nil && !p.NextAttemptAt.After(now) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claims := make([]domain.Claim, 0, len(due))
	for _, p := range due {
		claims = append(claims, *r.lease(p, now))
	}
	return claims, nil
}

func (r *memRepo) lease(p *domain.Post, now time.Time) *domain.Claim {
	token := uuid.NewString()
	leasedAt := now
	p.State = domain.PostStateSending
	p.LeasedAt = &leasedAt
	r.leases[p.ID] = token

	s := r.schedules[p.ScheduleID]
	return &domain.Claim{
		Post:    *p,
		Channel: r.channels[s.ChannelID],
		Lease:   domain.Lease{PostID: p.ID, Token: token},
	}
}

// held returns the post if it is still sending under lease.
func (r *memRepo) held(lease domain.Lease) *domain.Post {
	p, ok := r.posts[lease.PostID]
	if !ok || p.State != domain.PostStateSending || r.leases[p.ID] != lease.Token {
		return nil
	}
	return p
}

func (r *memRepo) release(p *domain.Post) bool {
	delete(r.leases, p.ID)
	p.LeasedAt = nil
	if p.DiscardRequested {
		delete(r.posts, p.ID)
		return true
	}
	return false
}

func (r *memRepo) RenewLease(_ context.Context, lease domain.Lease, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.held(lease)
	if p == nil {
		return false, nil
	}
	at := now
	p.LeasedAt = &at
	return true, nil
}

func (r *memRepo) RecordSuccess(_ context.Context, lease domain.Lease, sentAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.held(lease)
	if p == nil {
		return false, nil
	}
	if r.release(p) {
		return true, nil
	}
	p.State = domain.PostStateSent
	p.SentAt = &sentAt
	p.NextAttemptAt = nil
	return true, nil
}

func (r *memRepo) RecordFailure(_ context.Context, lease domain.Lease, attempt int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.held(lease)
	if p == nil {
		return false, nil
	}
	if r.release(p) {
		return true, nil
	}
	p.State = domain.PostStatePending
	p.AttemptCount = attempt
	p.NextAttemptAt = &nextAttemptAt
	p.LastError = lastErr
	p.FailureKind = domain.FailureTransient
	return true, nil
}

func (r *memRepo) RecordDead(_ context.Context, lease domain.Lease, kind domain.FailureKind, lastErr string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.held(lease)
	if p == nil {
		return false, nil
	}
	if r.release(p) {
		return true, nil
	}
	p.State = domain.PostStateDead
	p.AttemptCount++
	p.NextAttemptAt = nil
	p.LastError = lastErr
	p.FailureKind = kind
	return true, nil
}

func (r *memRepo) AdvanceSchedule(_ context.Context, scheduleID string, from, next time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[scheduleID]
	if !ok || s.NextDueAt == nil || !s.NextDueAt.Equal(from) {
		return false, nil
	}
	s.NextDueAt = &next
	return true, nil
}

func (r *memRepo) ReclaimStaleSending(_ context.Context, leaseTimeout time.Duration, now time.Time) ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-leaseTimeout)
	var out []domain.Post
	for _, p := range r.posts {
		if p.State != domain.PostStateSending || p.LeasedAt == nil || p.LeasedAt.After(cutoff) {
			continue
		}
		at := now
		p.State = domain.PostStatePending
		p.NextAttemptAt = &at
		p.LeasedAt = nil
		delete(r.leases, p.ID)
		out = append(out, *p)
	}
	return out, nil
}

func (r *memRepo) SuspendSchedule(_ context.Context, scheduleID, reason string) (*domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[scheduleID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	s.State = domain.ScheduleStatePaused
	s.PauseReason = reason
	ch := r.channels[s.ChannelID]
	return &ch, nil
}

func (r *memRepo) GetQueueStats(_ context.Context) (*QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &QueueStats{}
	for _, p := range r.posts {
		switch p.State {
		case domain.PostStatePending:
			stats.Pending++
		case domain.PostStateSending:
			stats.Sending++
		case domain.PostStateSent:
			stats.Sent++
		case domain.PostStateFailed:
			stats.Failed++
		case domain.PostStateDead:
			stats.Dead++
		default:
			return nil, errors.New("unknown post state")
		}
	}
	return stats, nil
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []domain.Content
	result func(call int) error
	block  chan struct{}
}

func (g *fakeGateway) Deliver(ctx context.Context, _ domain.Channel, content domain.Content) error {
	g.mu.Lock()
	g.calls = append(g.calls, content)
	n := len(g.calls)
	result := g.result
	g.mu.Unlock()

	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if result == nil {
		return nil
	}
	return result(n)
}

func (g *fakeGateway) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		out = append(out, c.Text)
	}
	return out
}

type deadNotice struct {
	postID string
	kind   domain.FailureKind
}

type fakeEscalator struct {
	mu        sync.Mutex
	dead      []deadNotice
	suspended []string
}

func (e *fakeEscalator) PostDead(_ context.Context, claim domain.Claim, kind domain.FailureKind, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = append(e.dead, deadNotice{postID: claim.Post.ID, kind: kind})
	return nil
}

func (e *fakeEscalator) ScheduleSuspended(_ context.Context, _ domain.Channel, scheduleID, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = append(e.suspended, scheduleID)
	return nil
}
