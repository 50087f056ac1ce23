package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Heartbeat writes a liveness file containing the current unix millis at
// start and on every interval. An external probe checks the file mtime; a
// hung shutdown fails the probe naturally.
type Heartbeat struct {
	path     string
	interval time.Duration
}

// NewHeartbeat constructs a heartbeat writer. A zero interval defaults to 30s.
func NewHeartbeat(path string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeat{path: path, interval: interval}
}

// Run writes immediately and then on every tick until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	h.beat()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	data := fmt.Sprintf("%d\n", time.Now().UnixMilli())
	if err := os.WriteFile(h.path, []byte(data), 0o644); err != nil {
		slog.Error("heartbeat write failed", slog.String("path", h.path), slog.Any("error", err))
	}
}

// Fresh reports whether the heartbeat file was touched within maxAge. Used by
// the ops /healthz endpoint; the external probe expects mtime within 120s.
func (h *Heartbeat) Fresh(maxAge time.Duration) bool {
	info, err := os.Stat(h.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= maxAge
}
