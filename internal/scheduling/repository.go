package scheduling

import (
	"context"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/domain"
)

// Repository defines the interface for command-layer data operations.
type Repository interface {
	CreateChannel(ctx context.Context, channel *domain.Channel) error
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	ListChannels(ctx context.Context, ownerUserID string) ([]domain.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	SetVerificationStatus(ctx context.Context, id string, status domain.VerificationStatus) (*domain.Channel, error)

	CreateSchedule(ctx context.Context, schedule *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, channelID string) ([]domain.Schedule, error)
	// UpdateScheduleSpec stores a new spec. nextDueAt is applied only to
	// active schedules. The write happens only while next_due_at still
	// equals expected; otherwise it returns ErrScheduleChanged.
	UpdateScheduleSpec(ctx context.Context, id string, spec cadence.Spec, nextDueAt time.Time, expected *time.Time) (*domain.Schedule, error)
	PauseSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ResumeSchedule(ctx context.Context, id string, nextDueAt time.Time) (*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// EnqueuePosts appends posts to the tail of a schedule's queue in order.
	EnqueuePosts(ctx context.Context, scheduleID string, contents []domain.Content) ([]domain.Post, error)
	GetPost(ctx context.Context, id string) (*domain.Post, error)
	ListPosts(ctx context.Context, scheduleID string, filter PostFilter) ([]domain.Post, error)
	// DeletePost removes a post. A post that is being sent is flagged
	// instead and removed when its outcome is recorded; discarded reports that.
	DeletePost(ctx context.Context, id string) (discarded bool, err error)
	// RequeuePost moves a dead post to the tail of its queue with a fresh
	// retry budget.
	RequeuePost(ctx context.Context, id string) (*domain.Post, error)

	GetDeliveryStats(ctx context.Context, channelID string, since time.Time) ([]domain.DeliveryStats, error)

	GetUserContext(ctx context.Context, userID string) (*domain.UserContext, error)
	SaveUserContext(ctx context.Context, uc *domain.UserContext) error
}

// PostFilter narrows post listings.
type PostFilter struct {
	State *domain.PostState
	Limit int
}
