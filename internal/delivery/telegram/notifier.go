package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/post-scheduler/internal/domain"
	tele "gopkg.in/telebot.v4"
)

// OwnerNotifier implements dispatch.Escalator by messaging the channel
// owner directly. Owner ids are Telegram user ids.
type OwnerNotifier struct {
	gateway *Gateway
}

// NewOwnerNotifier creates a notifier that talks through gateway's bot.
func NewOwnerNotifier(gateway *Gateway) *OwnerNotifier {
	return &OwnerNotifier{gateway: gateway}
}

// PostDead tells the owner a post will not be delivered.
func (n *OwnerNotifier) PostDead(ctx context.Context, claim domain.Claim, kind domain.FailureKind, reason string) error {
	var text string
	switch kind {
	case domain.FailureExhausted:
		text = fmt.Sprintf("Post %s for %q was dropped after %d failed attempts.\nLast error: %s",
			claim.Post.ID, claim.Channel.Title, claim.Post.AttemptCount+1, reason)
	default:
		text = fmt.Sprintf("Post %s for %q was rejected and will not be retried.\nReason: %s",
			claim.Post.ID, claim.Channel.Title, reason)
	}
	return n.notify(ctx, claim.Channel.OwnerUserID, text)
}

// ScheduleSuspended tells the owner a schedule was paused by the dispatcher.
func (n *OwnerNotifier) ScheduleSuspended(ctx context.Context, channel domain.Channel, scheduleID, reason string) error {
	text := fmt.Sprintf("Schedule %s for %q was paused because its timing could not be computed.\nReason: %s\nFix the schedule and resume it.",
		scheduleID, channel.Title, reason)
	return n.notify(ctx, channel.OwnerUserID, text)
}

func (n *OwnerNotifier) notify(ctx context.Context, ownerID, text string) error {
	if ownerID == "" {
		return nil
	}
	if err := n.gateway.send(ctx, chat(ownerID), text, &tele.SendOptions{}); err != nil {
		return fmt.Errorf("notify owner: %w", err)
	}
	slog.Debug("owner notified", "owner_user_id", ownerID)
	return nil
}
