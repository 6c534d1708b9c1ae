// Package reroute completes the handshake after the driver accepts a calmer
// route: record the acceptance on the backend, then hand navigation over to
// the maps deep link. The backend record is best effort; the driver gets
// their navigation even when the record never lands.
package reroute

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/observe"
)

// Backend records an accepted reroute on the drive record.
type Backend interface {
	AcceptReroute(ctx context.Context, driveID, routeName string, calmScoreImprovement int) error
}

// Navigator opens a navigation deep link on the driver's device.
type Navigator interface {
	Open(ctx context.Context, url string) error
}

// Coordinator drives the accept handshake for one drive.
type Coordinator struct {
	backend   Backend
	navigator Navigator
	bus       *events.Bus
	driveID   string
}

// New creates a Coordinator.
func New(be Backend, nav Navigator, bus *events.Bus, driveID string) *Coordinator {
	return &Coordinator{backend: be, navigator: nav, bus: bus, driveID: driveID}
}

// Accept records the acceptance and opens the offer's deep link. The backend
// call failing does not stop navigation from opening; only a navigation
// failure is returned.
func (c *Coordinator) Accept(ctx context.Context, driveID string, offer drive.RerouteOffer) error {
	log := observe.Logger(ctx)
	if driveID == "" {
		driveID = c.driveID
	}

	if err := c.backend.AcceptReroute(ctx, driveID, offer.AlternativeName, offer.CalmScoreImprovement); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("reroute acceptance not recorded", "route", offer.AlternativeName, "error", err)
		}
	}

	c.bus.Publish(events.Event{
		Type:    events.TypeRerouteAccepted,
		DriveID: driveID,
		Payload: offer,
	})
	log.Info("reroute accepted", "route", offer.AlternativeName, "improvement", offer.CalmScoreImprovement)

	if offer.MapsURL == "" {
		return nil
	}
	if err := c.navigator.Open(ctx, offer.MapsURL); err != nil {
		return fmt.Errorf("reroute: open navigation: %w", err)
	}
	return nil
}

// ExecNavigator opens deep links through the platform's URL handler
// (xdg-open on Linux). It implements [Navigator].
type ExecNavigator struct {
	command string
}

// Compile-time interface assertion.
var _ Navigator = (*ExecNavigator)(nil)

// NavigatorOption is a functional option for configuring an ExecNavigator.
type NavigatorOption func(*ExecNavigator)

// WithOpenCommand overrides the URL handler command.
func WithOpenCommand(command string) NavigatorOption {
	return func(n *ExecNavigator) {
		n.command = command
	}
}

// NewExecNavigator creates a Navigator backed by the platform URL handler.
func NewExecNavigator(opts ...NavigatorOption) *ExecNavigator {
	n := &ExecNavigator{command: "xdg-open"}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Open launches the URL handler and waits for it to hand off.
func (n *ExecNavigator) Open(ctx context.Context, url string) error {
	cmd := exec.CommandContext(ctx, n.command, url)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reroute: %s %q: %w", n.command, url, err)
	}
	return nil
}
