// Package resilience routes speech capability calls between a remote
// provider and an on-device fallback.
//
// Each capability (recognition, synthesis) gets its own [Switch]. A Switch
// starts in cloud mode and downgrades to local mode the moment the remote
// provider reports it is not provisioned. The downgrade is one-way and
// permanent for the process lifetime: "not provisioned" describes the
// account, not the network, so retrying the remote side would only add
// latency to every future call. Transient remote failures do NOT downgrade;
// the local provider handles the current call and the remote one is tried
// again next time.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Mode identifies which provider a Switch currently routes to.
type Mode string

const (
	ModeCloud Mode = "cloud"
	ModeLocal Mode = "local"
)

// Switch routes calls of one capability between a cloud and a local provider
// of the same type. Safe for concurrent use.
type Switch[T any] struct {
	capability string
	cloud      T
	local      T

	// notProvisioned reports whether err from the cloud provider means the
	// capability is permanently unavailable for this account.
	notProvisioned func(error) bool

	// onDowngrade, when set, is invoked once at the cloud-to-local flip.
	onDowngrade func(capability string)

	mu         sync.RWMutex
	downgraded bool
}

// SwitchOption configures a Switch.
type SwitchOption[T any] func(*Switch[T])

// WithDowngradeHook registers fn to run exactly once when the Switch flips
// to local mode, after the mode change is visible.
func WithDowngradeHook[T any](fn func(capability string)) SwitchOption[T] {
	return func(s *Switch[T]) { s.onDowngrade = fn }
}

// NewSwitch creates a Switch for one capability. notProvisioned classifies
// cloud errors: true means the account lacks the capability and the Switch
// must downgrade permanently.
func NewSwitch[T any](capability string, cloud, local T, notProvisioned func(error) bool, opts ...SwitchOption[T]) *Switch[T] {
	s := &Switch[T]{
		capability:     capability,
		cloud:          cloud,
		local:          local,
		notProvisioned: notProvisioned,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mode reports the current routing mode.
func (s *Switch[T]) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.downgraded {
		return ModeLocal
	}
	return ModeCloud
}

// downgrade flips the Switch to local mode. Returns true on the first flip.
func (s *Switch[T]) downgrade() bool {
	s.mu.Lock()
	if s.downgraded {
		s.mu.Unlock()
		return false
	}
	s.downgraded = true
	s.mu.Unlock()

	slog.Warn("capability not provisioned, switching to local provider permanently",
		"capability", s.capability)
	if s.onDowngrade != nil {
		s.onDowngrade(s.capability)
	}
	return true
}

// Call invokes fn with the provider the Switch currently routes to.
//
// In cloud mode: a not-provisioned error downgrades the Switch and retries
// fn against the local provider; any other cloud error is retried once
// against the local provider for this call only, leaving the mode unchanged.
// In local mode the cloud provider is never touched.
func Call[T any, R any](ctx context.Context, s *Switch[T], fn func(context.Context, T) (R, error)) (R, error) {
	if s.Mode() == ModeLocal {
		return fn(ctx, s.local)
	}

	result, err := fn(ctx, s.cloud)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var zero R
		return zero, err
	}

	if s.notProvisioned(err) {
		s.downgrade()
	} else {
		slog.Warn("cloud provider failed, trying local for this call",
			"capability", s.capability, "error", err)
	}

	result, lerr := fn(ctx, s.local)
	if lerr != nil {
		var zero R
		return zero, fmt.Errorf("resilience: %s: cloud and local providers failed: %w", s.capability, errors.Join(err, lerr))
	}
	return result, nil
}
