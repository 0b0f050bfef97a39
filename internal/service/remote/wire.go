package remote

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/zhouzirui/tavern-relay/internal/config"
)

// NewFromConfig builds a Client with both transports from environment config.
func NewFromConfig(cfg config.RemoteConfig, store ConversationStore, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	unary := NewUnaryTransport(UnaryOptions{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.UnaryTimeout,
		UserAgent: cfg.UserAgent,
	})

	streamOpts := DefaultStreamOptions()
	streamOpts.URL = cfg.StreamURL
	streamOpts.Auth = StreamAuth(cfg.StreamAuth)
	streamOpts.Timeout = cfg.StreamTimeout
	streamOpts.UserAgent = cfg.UserAgent
	streamOpts.Origin = originOf(cfg.BaseURL)
	streamOpts.Logger = logger
	stream := NewStreamTransport(streamOpts)

	return New(Options{
		Pool:  NewPool(cfg.Tokens),
		Store: store,
		Transports: map[TransportKind]Transport{
			Unary:  unary,
			Stream: stream,
		},
		BootstrapTimeout: cfg.BootstrapTimeout,
		StoreTimeout:     cfg.StoreTimeout,
		CreateTimeout:    cfg.CreateTimeout,
		SessionMaxAge:    cfg.SessionMaxAge,
		Logger:           logger,
	})
}

func originOf(base string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
