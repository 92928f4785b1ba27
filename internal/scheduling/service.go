// Package scheduling provides the command layer: channel registration,
// schedule management and the post queue.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/dispatch"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
	"github.com/bissquit/post-scheduler/internal/pkg/wakeup"
)

// Limits.
const (
	MaxBatchSize      = 100
	DefaultStatsDays  = 7
	MaxStatsDays      = 90
	DefaultPreviewLen = 5
	MaxTextLength     = 4096
	MinAlbumItems     = 2
	MaxAlbumItems     = 10
	MaxEntities       = 100
)

// specUpdateAttempts bounds retries when a spec update races a fire.
const specUpdateAttempts = 3

// entityFields lists what each entity type needs beyond offset and length.
var entityFields = map[string]string{
	"mention":       "",
	"hashtag":       "",
	"cashtag":       "",
	"bot_command":   "",
	"url":           "",
	"email":         "",
	"phone_number":  "",
	"bold":          "",
	"italic":        "",
	"underline":     "",
	"strikethrough": "",
	"spoiler":       "",
	"blockquote":    "",
	"code":          "",
	"pre":           "",
	"text_link":     "url",
	"text_mention":  "user_id",
	"custom_emoji":  "custom_emoji_id",
}

var validParseModes = map[string]bool{
	"":           true,
	"Markdown":   true,
	"MarkdownV2": true,
	"HTML":       true,
}

// Service provides command-layer business logic.
type Service struct {
	repo     Repository
	calc     cadence.Calculator
	notifier wakeup.Notifier
	clock    dispatch.Clock
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c dispatch.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a new scheduling service.
func NewService(repo Repository, calc cadence.Calculator, notifier wakeup.Notifier, opts ...Option) *Service {
	if notifier == nil {
		notifier = wakeup.Nop{}
	}
	s := &Service{
		repo:     repo,
		calc:     calc,
		notifier: notifier,
		clock:    dispatch.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChannelInput holds data for registering a channel.
type CreateChannelInput struct {
	Kind       domain.ChannelKind
	ExternalID string
	Title      string
}

// CreateChannel registers a channel for userID. New channels start unverified.
func (s *Service) CreateChannel(ctx context.Context, userID string, input CreateChannelInput) (*domain.Channel, error) {
	if !input.Kind.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChannelKind, input.Kind)
	}

	channel := &domain.Channel{
		OwnerUserID:        userID,
		Kind:               input.Kind,
		ExternalID:         strings.TrimSpace(input.ExternalID),
		Title:              input.Title,
		VerificationStatus: domain.VerificationUnverified,
	}
	if err := s.repo.CreateChannel(ctx, channel); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("channel registered", "channel_id", channel.ID, "kind", channel.Kind)
	return channel, nil
}

// ListChannels returns the channels owned by userID.
func (s *Service) ListChannels(ctx context.Context, userID string) ([]domain.Channel, error) {
	return s.repo.ListChannels(ctx, userID)
}

// GetChannel returns a channel owned by userID.
func (s *Service) GetChannel(ctx context.Context, userID, channelID string) (*domain.Channel, error) {
	return s.ownedChannel(ctx, userID, channelID)
}

// DeleteChannel removes a channel with its schedules and posts.
func (s *Service) DeleteChannel(ctx context.Context, userID, channelID string) error {
	if _, err := s.ownedChannel(ctx, userID, channelID); err != nil {
		return err
	}
	return s.repo.DeleteChannel(ctx, channelID)
}

// SetVerificationStatus records the outcome of the external verification flow.
func (s *Service) SetVerificationStatus(ctx context.Context, channelID string, status domain.VerificationStatus) (*domain.Channel, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVerificationStatus, status)
	}

	channel, err := s.repo.SetVerificationStatus(ctx, channelID, status)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("channel verification changed", "channel_id", channelID, "status", status)
	if status == domain.VerificationVerified {
		s.wake(ctx)
	}
	return channel, nil
}

// CreateSchedule adds an active schedule to a channel. The first slot is the
// first due instant after now.
func (s *Service) CreateSchedule(ctx context.Context, userID, channelID, name string, spec cadence.Spec) (*domain.Schedule, error) {
	if _, err := s.ownedChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}

	next, err := s.calc.Next(spec, s.clock.Now())
	if err != nil {
		return nil, err
	}

	schedule := &domain.Schedule{
		ChannelID: channelID,
		Name:      name,
		Spec:      spec,
		State:     domain.ScheduleStateActive,
		NextDueAt: &next,
	}
	if err := s.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("schedule created",
		"schedule_id", schedule.ID,
		"channel_id", channelID,
		"kind", spec.Kind(),
		"next_due_at", next,
	)
	return schedule, nil
}

// ScheduleDetails is a schedule with its upcoming slots.
type ScheduleDetails struct {
	Schedule *domain.Schedule
	Upcoming []time.Time
}

// GetSchedule returns a schedule owned by userID with a preview of its next
// slots. Paused schedules and schedules with unreadable specs have none.
func (s *Service) GetSchedule(ctx context.Context, userID, scheduleID string) (*ScheduleDetails, error) {
	schedule, err := s.ownedSchedule(ctx, userID, scheduleID)
	if err != nil {
		return nil, err
	}

	details := &ScheduleDetails{Schedule: schedule, Upcoming: []time.Time{}}
	if schedule.IsActive() && schedule.SpecErr == nil && schedule.NextDueAt != nil {
		rest, err := s.calc.Preview(schedule.Spec, *schedule.NextDueAt, DefaultPreviewLen-1)
		if err == nil {
			details.Upcoming = append([]time.Time{*schedule.NextDueAt}, rest...)
		}
	}
	return details, nil
}

// ListSchedules returns the schedules of a channel owned by userID.
func (s *Service) ListSchedules(ctx context.Context, userID, channelID string) ([]domain.Schedule, error) {
	if _, err := s.ownedChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}
	return s.repo.ListSchedules(ctx, channelID)
}

// UpdateSpec replaces a schedule's cadence. An active schedule moves to the
// first slot of the new spec that is not earlier than the one it already has
// pending; paused ones stay paused.
func (s *Service) UpdateSpec(ctx context.Context, userID, scheduleID string, spec cadence.Spec) (*domain.Schedule, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.ownedSchedule(ctx, userID, scheduleID)
		if err != nil {
			return nil, err
		}

		next, err := s.respecNext(spec, current, s.clock.Now())
		if err != nil {
			return nil, err
		}

		schedule, err := s.repo.UpdateScheduleSpec(ctx, scheduleID, spec, next, current.NextDueAt)
		if errors.Is(err, ErrScheduleChanged) && attempt < specUpdateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		ctxlog.FromContext(ctx).Info("schedule spec updated", "schedule_id", scheduleID, "kind", spec.Kind())
		s.wake(ctx)
		return schedule, nil
	}
}

// respecNext computes the due instant after a spec change. It never returns
// an instant earlier than the slot an active schedule has pending.
func (s *Service) respecNext(spec cadence.Spec, current *domain.Schedule, now time.Time) (time.Time, error) {
	next, err := s.calc.Next(spec, now)
	if err != nil {
		return time.Time{}, err
	}
	if !current.IsActive() || current.NextDueAt == nil || !next.Before(*current.NextDueAt) {
		return next, nil
	}

	pending := current.NextDueAt.UTC()
	// Intervals have no grid, so the pending instant is itself a slot.
	if _, ok := spec.(cadence.Interval); ok {
		return pending, nil
	}
	next, err = s.calc.Next(spec, pending.Add(-time.Second))
	if err != nil {
		return time.Time{}, err
	}
	if next.Before(pending) {
		return s.calc.Next(spec, pending)
	}
	return next, nil
}

// Pause stops a schedule from firing. Posts already in retry keep retrying.
func (s *Service) Pause(ctx context.Context, userID, scheduleID string) (*domain.Schedule, error) {
	if _, err := s.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}

	schedule, err := s.repo.PauseSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("schedule paused", "schedule_id", scheduleID)
	return schedule, nil
}

// Resume reactivates a schedule. Its next slot is the first due instant
// after now; slots missed while paused are not replayed.
func (s *Service) Resume(ctx context.Context, userID, scheduleID string) (*domain.Schedule, error) {
	existing, err := s.ownedSchedule(ctx, userID, scheduleID)
	if err != nil {
		return nil, err
	}
	if existing.SpecErr != nil {
		return nil, fmt.Errorf("%w: %v", cadence.ErrInvalidSpec, existing.SpecErr)
	}

	next, err := s.calc.Next(existing.Spec, s.clock.Now())
	if err != nil {
		return nil, err
	}

	schedule, err := s.repo.ResumeSchedule(ctx, scheduleID, next)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("schedule resumed", "schedule_id", scheduleID, "next_due_at", next)
	s.wake(ctx)
	return schedule, nil
}

// DeleteSchedule removes a schedule and its queue.
func (s *Service) DeleteSchedule(ctx context.Context, userID, scheduleID string) error {
	if _, err := s.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return err
	}
	return s.repo.DeleteSchedule(ctx, scheduleID)
}

// Enqueue appends posts to a schedule's queue in the given order.
func (s *Service) Enqueue(ctx context.Context, userID, scheduleID string, contents []domain.Content) ([]domain.Post, error) {
	if len(contents) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(contents) > MaxBatchSize {
		return nil, fmt.Errorf("%w: at most %d", ErrBatchTooLarge, MaxBatchSize)
	}
	for i, c := range contents {
		if err := ValidateContent(c); err != nil {
			return nil, fmt.Errorf("post %d: %w", i, err)
		}
	}

	if _, err := s.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}

	posts, err := s.repo.EnqueuePosts(ctx, scheduleID, contents)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("posts enqueued", "schedule_id", scheduleID, "count", len(posts))
	s.wake(ctx)
	return posts, nil
}

// ListPosts returns a schedule's posts in queue order.
func (s *Service) ListPosts(ctx context.Context, userID, scheduleID string, filter PostFilter) ([]domain.Post, error) {
	if filter.State != nil && !filter.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidContent, *filter.State)
	}
	if _, err := s.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}
	return s.repo.ListPosts(ctx, scheduleID, filter)
}

// DeletePost removes a post from its queue. A post being sent right now is
// removed once its delivery finishes; discarded reports that case.
func (s *Service) DeletePost(ctx context.Context, userID, postID string) (bool, error) {
	if _, err := s.ownedPost(ctx, userID, postID); err != nil {
		return false, err
	}

	discarded, err := s.repo.DeletePost(ctx, postID)
	if err != nil {
		return false, err
	}

	ctxlog.FromContext(ctx).Info("post deleted", "post_id", postID, "deferred", discarded)
	return discarded, nil
}

// RequeuePost gives a dead post another full set of attempts at the tail
// of its queue.
func (s *Service) RequeuePost(ctx context.Context, userID, postID string) (*domain.Post, error) {
	if _, err := s.ownedPost(ctx, userID, postID); err != nil {
		return nil, err
	}

	post, err := s.repo.RequeuePost(ctx, postID)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("post requeued", "post_id", postID, "queue_position", post.QueuePosition)
	s.wake(ctx)
	return post, nil
}

// Stats returns daily delivery counters of a channel for the last days days.
func (s *Service) Stats(ctx context.Context, userID, channelID string, days int) ([]domain.DeliveryStats, error) {
	if days == 0 {
		days = DefaultStatsDays
	}
	if days < 1 || days > MaxStatsDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidStatsRange, MaxStatsDays)
	}
	if _, err := s.ownedChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}

	today := s.clock.Now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))
	return s.repo.GetDeliveryStats(ctx, channelID, since)
}

// GetUserContext returns the user's current selection.
func (s *Service) GetUserContext(ctx context.Context, userID string) (*domain.UserContext, error) {
	return s.repo.GetUserContext(ctx, userID)
}

// SetUserContext stores the user's current selection. Both references must
// belong to the user, and the schedule to the selected channel.
func (s *Service) SetUserContext(ctx context.Context, userID string, channelID, scheduleID *string) (*domain.UserContext, error) {
	if channelID != nil {
		if _, err := s.ownedChannel(ctx, userID, *channelID); err != nil {
			return nil, err
		}
	}
	if scheduleID != nil {
		schedule, err := s.ownedSchedule(ctx, userID, *scheduleID)
		if err != nil {
			return nil, err
		}
		if channelID != nil && schedule.ChannelID != *channelID {
			return nil, ErrScheduleNotFound
		}
	}

	uc := &domain.UserContext{
		UserID:             userID,
		SelectedChannelID:  channelID,
		SelectedScheduleID: scheduleID,
	}
	if err := s.repo.SaveUserContext(ctx, uc); err != nil {
		return nil, err
	}
	return uc, nil
}

// ValidateContent checks that a post can be delivered at all.
func ValidateContent(c domain.Content) error {
	if !validParseModes[c.ParseMode] {
		return fmt.Errorf("%w: unsupported parse mode %q", ErrInvalidContent, c.ParseMode)
	}
	if len([]rune(c.Text)) > MaxTextLength {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidContent, MaxTextLength)
	}
	if err := validateEntities(c.Text, c.Entities, c.ParseMode); err != nil {
		return err
	}
	if c.MediaType != domain.MediaGroup && len(c.Media) > 0 {
		return fmt.Errorf("%w: media items require media_type media_group", ErrInvalidContent)
	}

	switch c.MediaType {
	case domain.MediaNone:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: text is required", ErrInvalidContent)
		}
		if c.FileID != "" {
			return fmt.Errorf("%w: file_id requires media_type", ErrInvalidContent)
		}
	case domain.MediaPhoto, domain.MediaVideo, domain.MediaDocument:
		if c.FileID == "" {
			return fmt.Errorf("%w: %s requires file_id", ErrInvalidContent, c.MediaType)
		}
	case domain.MediaGroup:
		return validateAlbum(c)
	default:
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidContent, c.MediaType)
	}
	return nil
}

// validateAlbum checks a media_group post. Captions live on the items;
// documents cannot be mixed with photos or videos.
func validateAlbum(c domain.Content) error {
	if c.Text != "" || c.FileID != "" || len(c.Entities) > 0 {
		return fmt.Errorf("%w: album captions belong to its items", ErrInvalidContent)
	}
	if n := len(c.Media); n < MinAlbumItems || n > MaxAlbumItems {
		return fmt.Errorf("%w: album needs %d to %d items, got %d", ErrInvalidContent, MinAlbumItems, MaxAlbumItems, n)
	}

	var documents int
	for i, item := range c.Media {
		switch item.MediaType {
		case domain.MediaPhoto, domain.MediaVideo:
		case domain.MediaDocument:
			documents++
		default:
			return fmt.Errorf("%w: album item %d has unsupported media type %q", ErrInvalidContent, i, item.MediaType)
		}
		if item.FileID == "" {
			return fmt.Errorf("%w: album item %d requires file_id", ErrInvalidContent, i)
		}
		if len([]rune(item.Caption)) > MaxTextLength {
			return fmt.Errorf("%w: album item %d caption longer than %d characters", ErrInvalidContent, i, MaxTextLength)
		}
		if err := validateEntities(item.Caption, item.Entities, c.ParseMode); err != nil {
			return fmt.Errorf("album item %d: %w", i, err)
		}
	}
	if documents > 0 && documents != len(c.Media) {
		return fmt.Errorf("%w: documents cannot be mixed with photos or videos in an album", ErrInvalidContent)
	}
	return nil
}

// validateEntities checks formatting spans against the UTF-16 length of text.
func validateEntities(text string, entities []domain.Entity, parseMode string) error {
	if len(entities) == 0 {
		return nil
	}
	if parseMode != "" {
		return fmt.Errorf("%w: entities and parse_mode are mutually exclusive", ErrInvalidContent)
	}
	if len(entities) > MaxEntities {
		return fmt.Errorf("%w: more than %d entities", ErrInvalidContent, MaxEntities)
	}

	size := len(utf16.Encode([]rune(text)))
	for i, e := range entities {
		required, ok := entityFields[e.Type]
		if !ok {
			return fmt.Errorf("%w: entity %d has unknown type %q", ErrInvalidContent, i, e.Type)
		}
		if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > size {
			return fmt.Errorf("%w: entity %d is outside the text", ErrInvalidContent, i)
		}
		switch required {
		case "url":
			if e.URL == "" {
				return fmt.Errorf("%w: entity %d (%s) requires url", ErrInvalidContent, i, e.Type)
			}
		case "user_id":
			if e.UserID == 0 {
				return fmt.Errorf("%w: entity %d (%s) requires user_id", ErrInvalidContent, i, e.Type)
			}
		case "custom_emoji_id":
			if e.CustomEmojiID == "" {
				return fmt.Errorf("%w: entity %d (%s) requires custom_emoji_id", ErrInvalidContent, i, e.Type)
			}
		}
	}
	return nil
}

func (s *Service) ownedChannel(ctx context.Context, userID, channelID string) (*domain.Channel, error) {
	channel, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.OwnerUserID != userID {
		return nil, ErrChannelNotOwned
	}
	return channel, nil
}

func (s *Service) ownedSchedule(ctx context.Context, userID, scheduleID string) (*domain.Schedule, error) {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedChannel(ctx, userID, schedule.ChannelID); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

func (s *Service) ownedPost(ctx context.Context, userID, postID string) (*domain.Post, error) {
	post, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedSchedule(ctx, userID, post.ScheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return post, nil
}

// wake nudges dispatchers. Failure only delays delivery until the next tick.
func (s *Service) wake(ctx context.Context) {
	if err := s.notifier.Notify(ctx); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to wake dispatchers", "error", err)
	}
}
