// Package relay exchanges audio with the remote speech service: utterances
// are streamed up as raw PCM and spoken replies are long-polled back.
package relay

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// Relay errors.
var (
	ErrNotConfigured    = errors.New("relay endpoint not configured")
	ErrNoContent        = errors.New("no reply available")
	ErrUnexpectedStatus = errors.New("unexpected relay status")
	ErrUnsupportedReply = errors.New("unsupported reply content")
)

// pingConnectTimeout bounds a keep-alive request.
const pingConnectTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	RecordURL   string
	PlayURL     string
	PingURL     string        // Falls back to RecordURL
	PollTimeout time.Duration // Long-poll timeout, default 5 minutes
	HTTPClient  *http.Client  // Used for uploads and pings
}

// Client talks to the relay endpoints.
type Client struct {
	recordURL string
	playURL   string
	pingURL   string

	http *http.Client
	poll *http.Client

	connected atomic.Bool
}

// New creates a relay client.
func New(o Options) *Client {
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	poll := *hc
	poll.Timeout = o.PollTimeout
	if poll.Timeout <= 0 {
		poll.Timeout = types.DefaultPollTimeout
	}
	return &Client{
		recordURL: o.RecordURL,
		playURL:   o.PlayURL,
		pingURL:   cmp.Or(o.PingURL, o.RecordURL),
		http:      hc,
		poll:      &poll,
	}
}

// CanUpload reports whether a record endpoint is configured.
func (c *Client) CanUpload() bool { return c.recordURL != "" }

// CanPoll reports whether a play endpoint is configured.
func (c *Client) CanPoll() bool { return c.playURL != "" }

// CanPing reports whether a keep-alive endpoint is configured.
func (c *Client) CanPing() bool { return c.pingURL != "" }

// RecordURL returns the upload endpoint.
func (c *Client) RecordURL() string { return c.recordURL }

// PlayURL returns the reply endpoint.
func (c *Client) PlayURL() string { return c.playURL }

// Connected reports whether the last request reached the relay.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(ok bool) {
	if c.connected.Swap(ok) != ok {
		slog.Info("relay connection changed", "connected", ok)
	}
}

// Upload streams r to the record endpoint as a chunked POST until r returns
// io.EOF. It returns the number of audio bytes sent.
func (c *Client) Upload(ctx context.Context, r io.Reader, f audio.Format) (int64, error) {
	if c.recordURL == "" {
		return 0, ErrNotConfigured
	}
	body := &countingReader{r: r}
	// No ContentLength: the request is sent with chunked transfer encoding.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL, io.NopCloser(body))
	if err != nil {
		return 0, util.WrapError("create upload request", err)
	}
	req.Header.Set("Content-Type", f.ContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		c.setConnected(false)
		return body.n.Load(), util.WrapError("upload utterance", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Response body is drained below
	_, _ = io.Copy(io.Discard, resp.Body)
	c.setConnected(true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body.n.Load(), fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return body.n.Load(), nil
}

// Reply is a spoken reply fetched from the play endpoint.
type Reply struct {
	Format audio.Format
	PCM    io.ReadCloser
	Bytes  int64 // -1 when streamed
}

// Poll waits for the next reply. It returns ErrNoContent when the relay
// answered without audio or the long poll timed out.
func (c *Client) Poll(ctx context.Context) (*Reply, error) {
	if c.playURL == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.playURL, nil)
	if err != nil {
		return nil, util.WrapError("create poll request", err)
	}

	resp, err := c.poll.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) {
			return nil, ErrNoContent
		}
		c.setConnected(false)
		return nil, util.WrapError("poll for reply", err)
	}
	c.setConnected(true)

	if resp.StatusCode == http.StatusNoContent {
		_ = resp.Body.Close()
		return nil, ErrNoContent
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch strings.ToLower(mediaType) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		defer resp.Body.Close() //nolint:errcheck // Fully read by decodeWAV
		return decodeWAV(resp.Body)
	case "audio/l16", "audio/l8":
		f, err := audio.ParseContentType(resp.Header.Get("Content-Type"))
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedReply, err)
		}
		return &Reply{Format: f, PCM: resp.Body, Bytes: -1}, nil
	case "":
		// An empty 200 is the relay's "nothing yet".
		_ = resp.Body.Close()
		return nil, ErrNoContent
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedReply, mediaType)
	}
}

// Ping checks that the relay is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.pingURL == "" {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, pingConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return util.WrapError("create ping request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.setConnected(false)
		return util.WrapError("ping relay", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setConnected(false)
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	c.setConnected(true)
	return nil
}

func decodeWAV(r io.Reader) (*Reply, error) {
	f, pcm, err := audio.DecodeWAV(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedReply, err)
	}
	return &Reply{Format: f, PCM: io.NopCloser(bytes.NewReader(pcm)), Bytes: int64(len(pcm))}, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// countingReader counts bytes read. The transport may still be reading when
// Do returns, so the count is atomic.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
