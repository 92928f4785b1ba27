package domain

import "time"

// ChannelKind identifies the messaging platform behind a channel.
type ChannelKind string

// Channel kinds.
const (
	ChannelKindTelegram   ChannelKind = "telegram"
	ChannelKindMattermost ChannelKind = "mattermost"
)

// IsValid checks if the channel kind is supported.
func (k ChannelKind) IsValid() bool {
	switch k {
	case ChannelKindTelegram, ChannelKindMattermost:
		return true
	}
	return false
}

// VerificationStatus tracks whether the owner has proven control of a channel.
type VerificationStatus string

// Verification statuses.
const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationPending    VerificationStatus = "pending_verification"
	VerificationVerified   VerificationStatus = "verified"
)

// IsValid checks if the verification status is valid.
func (s VerificationStatus) IsValid() bool {
	switch s {
	case VerificationUnverified, VerificationPending, VerificationVerified:
		return true
	}
	return false
}

// Channel is an external destination that posts are delivered to.
type Channel struct {
	ID                 string             `json:"id"`
	OwnerUserID        string             `json:"owner_user_id"`
	Kind               ChannelKind        `json:"kind"`
	ExternalID         string             `json:"external_id"`
	Title              string             `json:"title"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsVerified returns true if the channel may receive deliveries.
func (c *Channel) IsVerified() bool {
	return c.VerificationStatus == VerificationVerified
}
