package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

const (
	githubRepo           = "oszuidwest/zwfm-talkback"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second
	versionCheckTimeout  = 30 * time.Second
	versionMaxAttempts   = 3
)

// VersionChecker polls GitHub for the latest talkback release.
// It is safe for concurrent use.
type VersionChecker struct {
	mu     sync.RWMutex
	latest string
	etag   string

	releaseURL string
	client     *http.Client
	retry      *util.Backoff

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewVersionChecker returns a VersionChecker that checks once shortly after
// startup and then daily.
func NewVersionChecker() *VersionChecker {
	vc := newVersionChecker("https://api.github.com/repos/" + githubRepo + "/releases/latest")
	go vc.run()
	return vc
}

func newVersionChecker(releaseURL string) *VersionChecker {
	return &VersionChecker{
		releaseURL: releaseURL,
		client:     &http.Client{Timeout: versionCheckTimeout},
		retry:      util.NewBackoff(time.Minute, 10*time.Minute),
		stopCh:     make(chan struct{}),
	}
}

// Stop stops the version checker. It is safe to call more than once.
func (vc *VersionChecker) Stop() {
	vc.stopOnce.Do(func() { close(vc.stopCh) })
}

func (vc *VersionChecker) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-vc.stopCh
		cancel()
	}()

	next := versionCheckDelay
	for {
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
		vc.checkWithRetry(ctx)
		next = versionCheckInterval
	}
}

// checkWithRetry retries transient failures with backoff.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	defer vc.retry.Reset()
	for attempt := 1; ; attempt++ {
		if vc.check() {
			return
		}
		if attempt == versionMaxAttempts {
			slog.Debug("version check gave up", "attempts", attempt)
			return
		}
		if err := vc.retry.Wait(ctx); err != nil {
			return
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// retryable reports whether a GitHub response status is worth retrying.
// A 404 means no release was published yet.
func retryable(status int) bool {
	switch {
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return true
	default:
		return status >= 500
	}
}

// check fetches the latest release and reports whether the attempt is done,
// successful or not worth retrying.
func (vc *VersionChecker) check() bool {
	ctx, cancel := context.WithTimeoutCause(context.Background(), versionCheckTimeout,
		errors.New("github API request timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.releaseURL, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-talkback/"+Version)

	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		slog.Debug("version check failed", "error", err)
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	if resp.StatusCode != http.StatusOK {
		return !retryable(resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return false
	}
	if release.Draft || release.Prerelease {
		return true
	}
	if release.TagName == "" {
		return false
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.etag = etag
	}
	vc.mu.Unlock()
	return true
}

// Info returns the current version info for the frontend.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: BuildTime,
	}

	// Determine if an update is available.
	if vc.latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}

	return info
}

// normalizeVersion returns a normalized version string.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// canonicalVersion returns the version in canonical semver format.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}
