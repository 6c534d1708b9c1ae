// Package session owns the lifecycle of a drive. The Controller acquires the
// microphone once per drive, wires the monitoring loop, the voice pipeline,
// the arbiter, and speech output together, and tears everything down in a
// fixed order when the drive ends. Only one drive can be active at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calmroute/calmroute/internal/arbiter"
	"github.com/calmroute/calmroute/internal/backend"
	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/monitor"
	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/reroute"
	"github.com/calmroute/calmroute/internal/resilience"
	"github.com/calmroute/calmroute/internal/speech"
	"github.com/calmroute/calmroute/internal/voice"
	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/audio/capture"
	"github.com/calmroute/calmroute/pkg/provider/speechin"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
)

// Backend is the full backend surface the controller and its components use.
type Backend interface {
	StartDrive(ctx context.Context, req backend.StartDriveRequest) (drive.Session, error)
	EndDrive(ctx context.Context, driveID string) error
	ActiveDrive(ctx context.Context, userID string) (drive.Session, error)
	AnalyzeAudio(ctx context.Context, driveID string, chunk []byte) (drive.StressReading, error)
	DecideIntervention(ctx context.Context, req backend.InterventionRequest) (drive.Intervention, error)
	VoiceCommand(ctx context.Context, req backend.VoiceCommandRequest) (drive.VoiceCommandResult, error)
	AcceptReroute(ctx context.Context, driveID, routeName string, calmScoreImprovement int) error
}

// Config holds the dependencies for a [Controller].
type Config struct {
	Backend   Backend
	Source    audio.Source
	Player    audio.Player
	Navigator reroute.Navigator
	SpeechIn  *resilience.Switch[speechin.Provider]
	SpeechOut *resilience.Switch[speechout.Provider]
	Bus       *events.Bus
	Metrics   *observe.Metrics

	// UserID identifies the driver to the backend.
	UserID string

	// Voice selects the synthesis voice; empty means the provider default.
	Voice string

	// MonitorPeriod is the stress analysis cadence; zero uses the monitor
	// default.
	MonitorPeriod time.Duration

	// Packer overrides the chunk compressor; nil uses the opus packer.
	Packer monitor.Packer
}

// StartOptions parameterizes one drive.
type StartOptions struct {
	// Resume asks the backend for an already-active drive before starting a
	// new one.
	Resume bool

	Origin            *drive.Location
	Destination       *drive.Location
	SelectedRouteType string
	RouteCalmScore    int
}

// Controller manages the one active drive. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	active   bool
	sess     drive.Session
	stream   *capture.Stream
	arb      *arbiter.Arbiter
	speech   *speech.Output
	mon      *monitor.Monitor
	pipeline *voice.Pipeline
	cancel   context.CancelFunc
}

// NewController creates a Controller with the given dependencies.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Start begins a drive: it resolves the drive record with the backend,
// acquires the microphone, wires the in-drive components, and starts the
// monitoring loop.
//
// A backend that cannot be reached does not stop the drive: the record is
// created locally and monitoring runs unsynced. Microphone acquisition
// failing does fail the start.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (drive.Session, error) {
	log := observe.Logger(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return drive.Session{}, fmt.Errorf("session: a drive is already active (id=%s)", c.sess.ID)
	}

	sess, err := c.resolveDrive(ctx, opts)
	if err != nil {
		return drive.Session{}, err
	}

	packer := c.cfg.Packer
	if packer == nil {
		packer, err = audio.NewOpusPacker()
		if err != nil {
			return drive.Session{}, fmt.Errorf("session: opus packer: %w", err)
		}
	}

	stream := capture.New(c.cfg.Source)
	if err := stream.Start(ctx); err != nil {
		return drive.Session{}, fmt.Errorf("session: %w", err)
	}

	trip := drive.Trip{
		UserID:                c.cfg.UserID,
		CurrentLocation:       opts.Origin,
		Destination:           opts.Destination,
		CurrentRouteCalmScore: sess.CurrentRouteCalmScore,
	}
	if trip.CurrentRouteCalmScore == 0 {
		trip.CurrentRouteCalmScore = opts.RouteCalmScore
	}

	gate := arbiter.NewGate()
	out := speech.NewOutput(c.cfg.SpeechOut, c.cfg.Player, c.cfg.Voice, c.cfg.Metrics)
	coord := reroute.New(c.cfg.Backend, c.cfg.Navigator, c.cfg.Bus, sess.ID)
	arb := arbiter.New(gate, out, coord, c.cfg.Bus, c.cfg.Metrics, sess.ID)
	mon := monitor.New(c.cfg.MonitorPeriod, stream, gate, c.cfg.Backend, arb, packer, c.cfg.Bus, c.cfg.Metrics, sess.ID, trip)
	pipeline := voice.New(stream, gate, c.cfg.SpeechIn, voice.NewFilter(), c.cfg.Backend, arb, out,
		func(ctx context.Context) { _ = c.End(ctx) },
		c.cfg.Bus, c.cfg.Metrics, sess.ID, trip)

	// Background work outlives the Start call but not the drive.
	driveCtx, cancel := context.WithCancel(context.Background())
	mon.Start(driveCtx)

	c.active = true
	c.sess = sess
	c.stream = stream
	c.arb = arb
	c.speech = out
	c.mon = mon
	c.pipeline = pipeline
	c.cancel = cancel

	c.cfg.Metrics.ActiveDrives.Add(ctx, 1)
	c.cfg.Bus.Publish(events.Event{
		Type:    events.TypeDriveStarted,
		DriveID: sess.ID,
		Payload: sess,
	})
	log.Info("drive started",
		"drive_id", sess.ID,
		"user_id", sess.UserID,
		"route", sess.SelectedRouteType,
		"calm_score", sess.CurrentRouteCalmScore,
	)

	return sess, nil
}

// resolveDrive obtains the drive record: resume when asked, otherwise open a
// new one, falling back to a local record when the backend is unreachable.
func (c *Controller) resolveDrive(ctx context.Context, opts StartOptions) (drive.Session, error) {
	log := observe.Logger(ctx)

	if opts.Resume {
		sess, err := c.cfg.Backend.ActiveDrive(ctx, c.cfg.UserID)
		if err == nil {
			log.Info("resuming active drive", "drive_id", sess.ID)
			return sess, nil
		}
		if !errors.Is(err, backend.ErrNoActiveDrive) {
			return drive.Session{}, fmt.Errorf("session: look up active drive: %w", err)
		}
	}

	sess, err := c.cfg.Backend.StartDrive(ctx, backend.StartDriveRequest{
		UserID:            c.cfg.UserID,
		Origin:            opts.Origin,
		Destination:       opts.Destination,
		SelectedRouteType: opts.SelectedRouteType,
		RouteCalmScore:    opts.RouteCalmScore,
	})
	if err != nil {
		log.Warn("backend unreachable, drive continues unsynced", "error", err)
		sess = drive.Session{
			ID:                    "local-" + uuid.NewString(),
			UserID:                c.cfg.UserID,
			StartedAt:             time.Now().UTC(),
			SelectedRouteType:     opts.SelectedRouteType,
			CurrentRouteCalmScore: opts.RouteCalmScore,
			Status:                drive.StatusActive,
		}
	}
	return sess, nil
}

// End stops the active drive. Teardown runs in a fixed order: speech output
// first (cut any playing utterance), then the voice pipeline, then the
// microphone, then the monitoring loop. The backend record close is best
// effort.
func (c *Controller) End(ctx context.Context) error {
	log := observe.Logger(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return errors.New("session: no active drive to end")
	}
	driveID := c.sess.ID

	c.speech.Stop()
	c.pipeline.Stop()
	if err := c.stream.Release(); err != nil {
		log.Warn("microphone release failed", "drive_id", driveID, "error", err)
	}
	c.mon.Stop()
	c.cancel()

	if err := c.cfg.Backend.EndDrive(ctx, driveID); err != nil {
		log.Warn("drive end not recorded", "drive_id", driveID, "error", err)
	}

	c.active = false
	c.sess = drive.Session{}
	c.stream = nil
	c.arb = nil
	c.speech = nil
	c.mon = nil
	c.pipeline = nil
	c.cancel = nil

	c.cfg.Metrics.ActiveDrives.Add(ctx, -1)
	c.cfg.Bus.Publish(events.Event{
		Type:    events.TypeDriveEnded,
		DriveID: driveID,
	})
	log.Info("drive ended", "drive_id", driveID)

	return nil
}

// Active reports whether a drive is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Session returns the active drive record, zero when none is active.
func (c *Controller) Session() drive.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Voice returns the active drive's voice pipeline, nil when no drive runs.
func (c *Controller) Voice() *voice.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// Arbiter returns the active drive's intervention arbiter, nil when no drive
// runs.
func (c *Controller) Arbiter() *arbiter.Arbiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arb
}

// Capturing reports whether the microphone stream is live. Used by readiness
// checks.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.stream.Running()
}
