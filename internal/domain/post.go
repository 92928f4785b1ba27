package domain

import "time"

// PostState is the lifecycle state of a queued post.
type PostState string

// Post states. Failed is accepted in storage for operator tooling; the
// dispatcher itself moves retriable failures back to pending.
const (
	PostStatePending PostState = "pending"
	PostStateSending PostState = "sending"
	PostStateSent    PostState = "sent"
	PostStateFailed  PostState = "failed"
	PostStateDead    PostState = "dead"
)

// IsValid checks if the post state is valid.
func (s PostState) IsValid() bool {
	switch s {
	case PostStatePending, PostStateSending, PostStateSent, PostStateFailed, PostStateDead:
		return true
	}
	return false
}

// FailureKind classifies the last delivery failure of a post.
type FailureKind string

// Failure kinds.
const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureExhausted FailureKind = "exhausted"
)

// MediaType is the kind of attachment carried by a post.
type MediaType string

// Media types.
const (
	MediaNone     MediaType = ""
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
	// MediaGroup is an album; its items are in Content.Media.
	MediaGroup MediaType = "media_group"
)

// Entity is a formatting span over a text or caption. Offset and Length
// count UTF-16 code units, as the Bot API does.
type Entity struct {
	Type          string `json:"type"`
	Offset        int    `json:"offset"`
	Length        int    `json:"length"`
	URL           string `json:"url,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
	Language      string `json:"language,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

// MediaItem is one attachment of an album.
type MediaItem struct {
	MediaType MediaType `json:"media_type"`
	FileID    string    `json:"file_id"`
	Caption   string    `json:"caption,omitempty"`
	Entities  []Entity  `json:"entities,omitempty"`
}

// Content is the payload of a post. It is stored and delivered verbatim.
// Entities, when present, replace ParseMode.
type Content struct {
	Text      string      `json:"text,omitempty"`
	ParseMode string      `json:"parse_mode,omitempty"`
	Entities  []Entity    `json:"entities,omitempty"`
	MediaType MediaType   `json:"media_type,omitempty"`
	FileID    string      `json:"file_id,omitempty"`
	Media     []MediaItem `json:"media,omitempty"`
}

// Post is one content item queued under a schedule.
type Post struct {
	ID               string      `json:"id"`
	ScheduleID       string      `json:"schedule_id"`
	QueuePosition    int64       `json:"queue_position"`
	Content          Content     `json:"content"`
	State            PostState   `json:"state"`
	AttemptCount     int         `json:"attempt_count"`
	NextAttemptAt    *time.Time  `json:"next_attempt_at"`
	LastError        string      `json:"last_error,omitempty"`
	FailureKind      FailureKind `json:"failure_kind,omitempty"`
	LeasedAt         *time.Time  `json:"leased_at,omitempty"`
	DiscardRequested bool        `json:"discard_requested,omitempty"`
	SentAt           *time.Time  `json:"sent_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Lease identifies one exclusive claim on a post. Outcomes are applied only
// while the post is still sending under the same token.
type Lease struct {
	PostID string
	Token  string
}

// Claim is a post acquired for delivery together with its destination.
type Claim struct {
	Post    Post
	Channel Channel
	Lease   Lease
}
