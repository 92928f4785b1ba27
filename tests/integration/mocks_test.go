//go:build integration

package integration

import (
	"context"
	"sync"

	"github.com/bissquit/post-scheduler/internal/domain"
)

// recordingGateway records deliveries per channel. Results are looked up by
// post text so concurrent tests over a shared database stay independent.
type recordingGateway struct {
	mu      sync.Mutex
	sent    map[string][]string
	results map[string]func(call int) error
	calls   map[string]int
	block   chan struct{}
	entered chan struct{}
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{
		sent:    make(map[string][]string),
		results: make(map[string]func(call int) error),
		calls:   make(map[string]int),
	}
}

// failWith makes deliveries of text return fn(n) on the n-th call.
func (g *recordingGateway) failWith(text string, fn func(call int) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[text] = fn
}

func (g *recordingGateway) Deliver(ctx context.Context, channel domain.Channel, content domain.Content) error {
	g.mu.Lock()
	g.calls[content.Text]++
	n := g.calls[content.Text]
	result := g.results[content.Text]
	block, entered := g.block, g.entered
	g.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if result != nil {
		if err := result(n); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.sent[channel.ID] = append(g.sent[channel.ID], content.Text)
	g.mu.Unlock()
	return nil
}

func (g *recordingGateway) sentTo(channelID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent[channelID]...)
}

func (g *recordingGateway) callsFor(text string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[text]
}
