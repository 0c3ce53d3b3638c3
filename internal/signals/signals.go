// Package signals implements the Signal Handler: sentinel STOP/PAUSE files
// checked at the top of every supervisor iteration, OS interrupt signals
// translated into the STOP equivalent, and ALERT.txt generation when a task
// becomes blocked or the consecutive-failure counter trips. The
// select-on-channel-or-timeout shape mirrors
// InteractiveApprover.promptWithTimeout (internal/approval/interactive.go);
// sentinel-file polling has no direct analogue and is original to this
// package.
package signals

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Handler watches STOP/PAUSE sentinel files under root and OS interrupts.
type Handler struct {
	root       string
	stopAsked  int32
	sigCh      chan os.Signal
	cancelOnce func()
}

// New returns a Handler rooted at dir (the project root containing
// STOP/PAUSE/ALERT.txt).
func New(dir string) *Handler {
	return &Handler{root: dir}
}

func (h *Handler) stopPath() string  { return filepath.Join(h.root, "STOP") }
func (h *Handler) pausePath() string { return filepath.Join(h.root, "PAUSE") }
func (h *Handler) alertPath() string { return filepath.Join(h.root, "ALERT.txt") }

// Listen begins translating SIGINT/SIGTERM into StopRequested() = true. It
// should be called once at supervisor startup; ctx cancellation stops
// listening.
func (h *Handler) Listen(ctx context.Context) {
	h.sigCh = make(chan os.Signal, 1)
	signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-h.sigCh:
			atomic.StoreInt32(&h.stopAsked, 1)
		case <-ctx.Done():
		}
	}()
}

// StopRequested reports whether STOP was requested, either via the
// sentinel file or a translated interrupt signal.
func (h *Handler) StopRequested() bool {
	if atomic.LoadInt32(&h.stopAsked) == 1 {
		return true
	}
	_, err := os.Stat(h.stopPath())
	return err == nil
}

// AwaitUnpause blocks in a 5-second polling sleep while PAUSE exists. It
// returns early if ctx is canceled or StopRequested becomes true mid-pause.
func (h *Handler) AwaitUnpause(ctx context.Context) error {
	const pollInterval = 5 * time.Second
	for {
		if _, err := os.Stat(h.pausePath()); os.IsNotExist(err) {
			return nil
		}
		if h.StopRequested() {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AlertPayload is the structured block duplicated into ALERT.txt alongside
// the Human Help Packet in the progress log.
type AlertPayload struct {
	Cause       string   `yaml:"cause"`
	TaskID      string   `yaml:"task_id,omitempty"`
	Remediation []string `yaml:"remediation"`
	RaisedAt    string   `yaml:"raised_at"`
}

// RaiseAlert writes ALERT.txt with the cause and suggested remediation.
// Removal is the operator's responsibility; RaiseAlert overwrites any
// existing file so the most recent cause is always what's on disk.
func (h *Handler) RaiseAlert(now time.Time, payload AlertPayload) error {
	payload.RaisedAt = now.UTC().Format(time.RFC3339)
	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signals: encode alert: %w", err)
	}
	body := append([]byte("# ALERT — operator action required\n"), data...)
	if err := os.WriteFile(h.alertPath(), body, 0o644); err != nil {
		return fmt.Errorf("signals: write alert: %w", err)
	}
	return nil
}

// AlertActive reports whether ALERT.txt is currently present.
func (h *Handler) AlertActive() bool {
	_, err := os.Stat(h.alertPath())
	return err == nil
}
