package health

import (
	"context"
	"errors"
	"fmt"
)

// Backend reports whether the calm-route backend answers requests. probe is
// called with the check context and should be a cheap backend round trip;
// a "no active drive" answer counts as reachable.
func Backend(probe func(ctx context.Context) error, noDrive error) Checker {
	return Checker{
		Name: "backend",
		Check: func(ctx context.Context) error {
			err := probe(ctx)
			if err == nil || (noDrive != nil && errors.Is(err, noDrive)) {
				return nil
			}
			return fmt.Errorf("backend unreachable: %w", err)
		},
	}
}

// CaptureState reports whether the microphone stream of the active drive is
// live.
type CaptureState interface {
	Active() bool
	Capturing() bool
}

// Capture fails when a drive is active but its microphone stream has died.
// No active drive is healthy; the stream only matters mid-drive.
func Capture(state CaptureState) Checker {
	return Checker{
		Name: "capture",
		Check: func(_ context.Context) error {
			if state.Active() && !state.Capturing() {
				return errors.New("drive active but microphone stream is down")
			}
			return nil
		},
	}
}
