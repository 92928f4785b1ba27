// Package telegram delivers posts to Telegram chats through the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/post-scheduler/internal/dispatch"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const (
	defaultAPIURL      = "https://api.telegram.org"
	defaultMinInterval = 3 * time.Second
	defaultTimeout     = 30 * time.Second
)

// Config holds telegram gateway configuration.
type Config struct {
	Enabled     bool
	BotToken    string
	APIURL      string
	MinInterval time.Duration // minimum gap between two posts to one chat
	Timeout     time.Duration // Bot API request timeout
}

// Gateway implements dispatch.Gateway for Telegram chats.
type Gateway struct {
	config Config
	bot    *tele.Bot

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway creates a new telegram gateway.
// Returns error if required config is missing.
func NewGateway(config Config) (*Gateway, error) {
	if config.BotToken == "" {
		return nil, errors.New("telegram gateway: bot token is required")
	}
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     config.APIURL,
		Token:   config.BotToken,
		Offline: true,
		Client:  &http.Client{Timeout: config.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	slog.Info("telegram gateway configured",
		"api_url", config.APIURL,
		"min_interval", config.MinInterval,
	)

	return &Gateway{
		config:   config,
		bot:      bot,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Kind returns the channel kind served by this gateway.
func (g *Gateway) Kind() domain.ChannelKind {
	return domain.ChannelKindTelegram
}

// Deliver sends content to the channel's chat.
func (g *Gateway) Deliver(ctx context.Context, channel domain.Channel, content domain.Content) error {
	if channel.ExternalID == "" {
		return dispatch.Permanent(errors.New("telegram chat id is empty"))
	}
	to := chat(channel.ExternalID)

	var call func() error
	if content.MediaType == domain.MediaGroup {
		album, err := buildAlbum(content.Media)
		if err != nil {
			return dispatch.Permanent(err)
		}
		opts := &tele.SendOptions{ParseMode: albumParseMode(content)}
		call = func() error {
			_, err := g.bot.SendAlbum(to, album, opts)
			return err
		}
	} else {
		what, err := buildMessage(content)
		if err != nil {
			return dispatch.Permanent(err)
		}
		opts := &tele.SendOptions{ParseMode: tele.ParseMode(content.ParseMode)}
		if entities := toEntities(content.Entities); len(entities) > 0 {
			opts.ParseMode = tele.ModeDefault
			opts.Entities = entities
		}
		call = func() error {
			_, err := g.bot.Send(to, what, opts)
			return err
		}
	}

	if err := g.limiter(channel.ID).Wait(ctx); err != nil {
		return dispatch.Transient(fmt.Errorf("wait for rate limiter: %w", err))
	}
	if err := g.run(ctx, call); err != nil {
		return classify(err)
	}

	ctxlog.FromContext(ctx).Debug("telegram message sent", "media_type", content.MediaType, "items", len(content.Media))
	return nil
}

// send delivers a single message.
func (g *Gateway) send(ctx context.Context, to tele.Recipient, what any, opts *tele.SendOptions) error {
	return g.run(ctx, func() error {
		_, err := g.bot.Send(to, what, opts)
		return err
	})
}

// run executes a Bot API call, returning early if ctx is done. The request
// itself is bounded by the HTTP client timeout.
func (g *Gateway) run(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) limiter(channelID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[channelID]
	if !ok {
		limit := rate.Inf
		if g.config.MinInterval > 0 {
			limit = rate.Every(g.config.MinInterval)
		}
		l = rate.NewLimiter(limit, 1)
		g.limiters[channelID] = l
	}
	return l
}

func buildMessage(content domain.Content) (any, error) {
	if content.MediaType == domain.MediaNone {
		if content.Text == "" {
			return nil, errors.New("post has neither text nor media")
		}
		return content.Text, nil
	}
	return buildMedia(content.MediaType, content.FileID, content.Text)
}

func buildMedia(mediaType domain.MediaType, fileID, caption string) (tele.Inputtable, error) {
	file := tele.File{FileID: fileID}

	switch mediaType {
	case domain.MediaPhoto:
		if fileID == "" {
			return nil, errors.New("photo without file id")
		}
		return &tele.Photo{File: file, Caption: caption}, nil
	case domain.MediaVideo:
		if fileID == "" {
			return nil, errors.New("video without file id")
		}
		return &tele.Video{File: file, Caption: caption}, nil
	case domain.MediaDocument:
		if fileID == "" {
			return nil, errors.New("document without file id")
		}
		return &tele.Document{File: file, Caption: caption}, nil
	default:
		return nil, fmt.Errorf("unsupported media type %q", mediaType)
	}
}

// albumItem attaches caption entities to one album element. SendAlbum only
// applies send options album-wide.
type albumItem struct {
	tele.Inputtable
	entities tele.Entities
}

// InputMedia implements tele.Inputtable.
func (a albumItem) InputMedia() tele.InputMedia {
	im := a.Inputtable.InputMedia()
	if len(a.entities) > 0 {
		im.Entities = a.entities
	}
	return im
}

func buildAlbum(items []domain.MediaItem) (tele.Album, error) {
	if len(items) < 2 {
		return nil, fmt.Errorf("album needs at least 2 items, got %d", len(items))
	}

	album := make(tele.Album, 0, len(items))
	for i, item := range items {
		if item.MediaType == domain.MediaGroup {
			return nil, fmt.Errorf("album item %d: nested album", i)
		}
		media, err := buildMedia(item.MediaType, item.FileID, item.Caption)
		if err != nil {
			return nil, fmt.Errorf("album item %d: %w", i, err)
		}
		album = append(album, albumItem{Inputtable: media, entities: toEntities(item.Entities)})
	}
	return album, nil
}

// albumParseMode drops the album-wide parse mode when any caption carries
// its own entities.
func albumParseMode(content domain.Content) tele.ParseMode {
	for _, item := range content.Media {
		if len(item.Entities) > 0 {
			return tele.ModeDefault
		}
	}
	return tele.ParseMode(content.ParseMode)
}

func toEntities(in []domain.Entity) tele.Entities {
	if len(in) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(in))
	for _, e := range in {
		entity := tele.MessageEntity{
			Type:          tele.EntityType(e.Type),
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		}
		if e.UserID != 0 {
			entity.User = &tele.User{ID: e.UserID}
		}
		out = append(out, entity)
	}
	return out
}

// chat addresses a Telegram chat by numeric id or @username.
type chat string

// Recipient implements tele.Recipient.
func (c chat) Recipient() string {
	return string(c)
}
