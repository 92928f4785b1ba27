package dispatch

import (
	"context"

	"github.com/bissquit/post-scheduler/internal/domain"
)

// Escalator tells a channel owner about failures that need a human.
type Escalator interface {
	PostDead(ctx context.Context, claim domain.Claim, kind domain.FailureKind, reason string) error
	ScheduleSuspended(ctx context.Context, channel domain.Channel, scheduleID, reason string) error
}

type nopEscalator struct{}

func (nopEscalator) PostDead(context.Context, domain.Claim, domain.FailureKind, string) error {
	return nil
}

func (nopEscalator) ScheduleSuspended(context.Context, domain.Channel, string, string) error {
	return nil
}
