// Package wakeup carries "work may be due" nudges to dispatchers, either
// in-process or across replicas over Valkey pub/sub.
package wakeup

import "context"

// Notifier announces that a schedule changed or a post was enqueued.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Local nudges a dispatcher in the same process.
type Local func()

// Notify implements Notifier.
func (l Local) Notify(context.Context) error {
	l()
	return nil
}

// Nop drops every nudge.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context) error { return nil }
