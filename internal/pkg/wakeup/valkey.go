package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	// DefaultConnectTimeout is the maximum time to wait for the initial ping.
	DefaultConnectTimeout = 5 * time.Second

	signalSuffix = "dispatch:wake"

	minResubscribeBackoff = time.Second
	maxResubscribeBackoff = 30 * time.Second
)

// Config holds the Valkey connection configuration.
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// Valkey publishes and receives wake-ups on a channel shared by all replicas.
type Valkey struct {
	client  valkey.Client
	channel string

	// receive blocks on one subscription until it ends.
	receive    func(ctx context.Context, fn func()) error
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewValkey connects to Valkey and verifies the connection with a ping.
// The caller is responsible for calling Close.
func NewValkey(cfg Config) (*Valkey, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey (timeout: %v): %w", timeout, err)
	}

	v := &Valkey{
		client:     client,
		channel:    channelName(cfg.KeyPrefix),
		minBackoff: minResubscribeBackoff,
		maxBackoff: maxResubscribeBackoff,
	}
	v.receive = v.subscribe
	return v, nil
}

func channelName(prefix string) string {
	if prefix == "" {
		return signalSuffix
	}
	return strings.TrimSuffix(prefix, ":") + ":" + signalSuffix
}

// Channel returns the pub/sub channel name.
func (v *Valkey) Channel() string {
	return v.channel
}

// Notify publishes a wake-up to every listening replica.
func (v *Valkey) Notify(ctx context.Context) error {
	cmd := v.client.B().Publish().Channel(v.channel).Message("1").Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publish wake-up: %w", err)
	}
	return nil
}

// Listen calls fn for every wake-up until ctx is done. It blocks. A dropped
// subscription is re-established with exponential backoff, and fn is called
// once after each resubscribe since wake-ups sent in the gap are lost.
func (v *Valkey) Listen(ctx context.Context, fn func()) error {
	slog.Info("listening for wake-ups", "channel", v.channel)

	backoff := v.minBackoff
	for {
		started := time.Now()
		err := v.receive(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, valkey.ErrClosing) {
			return fmt.Errorf("receive wake-ups: %w", err)
		}

		// A subscription that held for a while resets the backoff.
		if time.Since(started) > v.maxBackoff {
			backoff = v.minBackoff
		}
		slog.Warn("wake-up subscription dropped, resubscribing",
			"channel", v.channel, "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, v.maxBackoff)
		fn()
	}
}

func (v *Valkey) subscribe(ctx context.Context, fn func()) error {
	cmd := v.client.B().Subscribe().Channel(v.channel).Build()
	return v.client.Receive(ctx, cmd, func(valkey.PubSubMessage) {
		slog.Debug("wake-up received", "channel", v.channel)
		fn()
	})
}

// Ping checks the connection.
func (v *Valkey) Ping(ctx context.Context) error {
	return v.client.Do(ctx, v.client.B().Ping().Build()).Error()
}

// Close closes the Valkey connection.
func (v *Valkey) Close() {
	v.client.Close()
}
