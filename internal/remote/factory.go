package remote

import (
	"context"
	"fmt"
	"time"

	"designsync/internal/config"
	"designsync/internal/dsync"
)

// Remote is a dsync.Remote that can also report whether the server is reachable.
type Remote interface {
	dsync.Remote
	Ping(ctx context.Context) error
}

// NewRemoteFromConfig creates a Remote implementation based on the remote config type.
func NewRemoteFromConfig(cfg config.RemoteConfig) (Remote, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRemote(), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http remote requires base_url to be set")
		}
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return NewClient(nil, cfg.BaseURL, cfg.Token, timeout), nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
