package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// ReplyHandler receives each reply. It owns reply.PCM and must close it.
type ReplyHandler func(ctx context.Context, reply *Reply)

// PollLoop long-polls the play endpoint until ctx is done, passing every reply
// to handle. Failures back off exponentially; empty polls repoll at once.
func (c *Client) PollLoop(ctx context.Context, handle ReplyHandler) error {
	if c.playURL == "" {
		return ErrNotConfigured
	}
	backoff := util.NewBackoff(types.InitialRetryDelay, types.MaxRetryDelay)

	for ctx.Err() == nil {
		reply, err := c.Poll(ctx)
		switch {
		case err == nil:
			backoff.Reset()
			slog.Info("reply received", "rate", reply.Format.SampleRate, "channels", reply.Format.Channels, "bytes", reply.Bytes)
			handle(ctx, reply)
		case errors.Is(err, ErrNoContent):
			backoff.Reset()
		case ctx.Err() != nil:
			return nil
		default:
			delay := backoff.Current()
			slog.Warn("failed to poll for reply", "error", err, "retry_in", delay)
			if backoff.Wait(ctx) != nil {
				return nil
			}
		}
	}
	return nil
}

// PingLoop checks the relay now and then every interval until ctx is done.
func (c *Client) PingLoop(ctx context.Context, interval time.Duration) error {
	if c.pingURL == "" {
		return ErrNotConfigured
	}
	if interval <= 0 {
		interval = types.DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("relay ping failed", "url", c.pingURL, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
