// Command calmroute runs the in-drive stress monitoring engine: it starts a
// drive, keeps the periodic stress analysis loop running, and serves the ops
// HTTP surface. SIGUSR1 toggles push-to-talk, SIGUSR2 dismisses the visible
// intervention, SIGINT/SIGTERM ends the drive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calmroute/calmroute/internal/backend"
	"github.com/calmroute/calmroute/internal/config"
	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/health"
	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/ops"
	"github.com/calmroute/calmroute/internal/reroute"
	"github.com/calmroute/calmroute/internal/resilience"
	"github.com/calmroute/calmroute/internal/session"
	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/provider/speechin"
	speechincloud "github.com/calmroute/calmroute/pkg/provider/speechin/cloud"
	"github.com/calmroute/calmroute/pkg/provider/speechin/whisper"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
	speechoutcloud "github.com/calmroute/calmroute/pkg/provider/speechout/cloud"
	"github.com/calmroute/calmroute/pkg/provider/speechout/piper"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	resume := flag.Bool("resume", false, "resume the backend's active drive instead of starting a new one")
	routeType := flag.String("route", "calmest", "selected route variant recorded on the drive")
	calmScore := flag.Int("calm-score", 0, "calm score of the selected route")
	originFlag := flag.String("origin", "", `current location as "lat,lng", forwarded to intervention and route decisions`)
	destFlag := flag.String("destination", "", `destination as "lat,lng"; route requests need both endpoints`)
	flag.Parse()

	origin, err := parseLocation(*originFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calmroute: -origin: %v\n", err)
		return 1
	}
	dest, err := parseLocation(*destFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calmroute: -destination: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calmroute: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calmroute: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("calmroute starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	bus := events.NewBus()

	be, err := backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey)
	if err != nil {
		slog.Error("backend client init failed", "err", err)
		return 1
	}

	downgrade := func(capability string) {
		metrics.RecordDowngrade(context.Background(), capability)
		bus.Publish(events.Event{
			Type:    events.TypeProviderDowngraded,
			Payload: map[string]string{"capability": capability},
		})
	}

	speechIn, closeWhisper, err := buildSpeechIn(cfg, downgrade)
	if err != nil {
		slog.Error("speech input providers init failed", "err", err)
		return 1
	}
	defer closeWhisper()

	speechOut, err := buildSpeechOut(cfg, downgrade)
	if err != nil {
		slog.Error("speech output providers init failed", "err", err)
		return 1
	}

	var sourceOpts []audio.ExecOption
	if cfg.Audio.CaptureCommand != "" {
		sourceOpts = append(sourceOpts, audio.WithCommand(cfg.Audio.CaptureCommand))
	}
	var playerOpts []audio.PlayerOption
	if cfg.Audio.PlayCommand != "" {
		playerOpts = append(playerOpts, audio.WithPlayerCommand(cfg.Audio.PlayCommand))
	}

	controller := session.NewController(session.Config{
		Backend:       be,
		Source:        audio.NewExecSource(sourceOpts...),
		Player:        audio.NewExecPlayer(playerOpts...),
		Navigator:     reroute.NewExecNavigator(),
		SpeechIn:      speechIn,
		SpeechOut:     speechOut,
		Bus:           bus,
		Metrics:       metrics,
		UserID:        cfg.Drive.UserID,
		Voice:         cfg.SpeechOut.Voice,
		MonitorPeriod: cfg.Monitor.Period.AsDuration(),
	})

	checkers := health.New(
		health.Backend(func(ctx context.Context) error {
			_, err := be.ActiveDrive(ctx, cfg.Drive.UserID)
			return err
		}, backend.ErrNoActiveDrive),
		health.Capture(controller),
	)
	opsSrv := ops.New(cfg.Server.ListenAddr, checkers, bus, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsSrv.Run(gctx) })

	sess, err := controller.Start(gctx, session.StartOptions{
		Resume:            *resume,
		Origin:            origin,
		Destination:       dest,
		SelectedRouteType: *routeType,
		RouteCalmScore:    *calmScore,
	})
	if err != nil {
		slog.Error("drive start failed", "err", err)
		stop()
		_ = g.Wait()
		return 1
	}

	// Push-to-talk and dismiss ride on user signals; the in-car shell sends
	// them from the steering wheel controls.
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-sig:
				switch s {
				case syscall.SIGUSR1:
					if p := controller.Voice(); p != nil {
						p.Toggle(gctx)
					}
				case syscall.SIGUSR2:
					if a := controller.Arbiter(); a != nil {
						a.Dismiss(gctx)
					}
				}
			}
		}
	})

	slog.Info("drive in progress — Ctrl+C ends the drive", "drive_id", sess.ID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	endCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if controller.Active() {
		if err := controller.End(endCtx); err != nil {
			slog.Error("drive end failed", "err", err)
			return 1
		}
	}
	slog.Info("goodbye")
	return 0
}

// buildSpeechIn wires the cloud transcriber and the local whisper fallback
// into one downgradeable switch. The returned closer releases the whisper
// model.
func buildSpeechIn(cfg *config.Config, downgrade func(string)) (*resilience.Switch[speechin.Provider], func(), error) {
	cloud, err := speechincloud.New(cfg.SpeechIn.Cloud.BaseURL, cfg.SpeechIn.Cloud.APIKey)
	if err != nil {
		return nil, nil, err
	}
	var whisperOpts []whisper.Option
	if cfg.SpeechIn.Whisper.Language != "" {
		whisperOpts = append(whisperOpts, whisper.WithLanguage(cfg.SpeechIn.Whisper.Language))
	}
	local, err := whisper.New(cfg.SpeechIn.Whisper.ModelPath, whisperOpts...)
	if err != nil {
		return nil, nil, err
	}
	sw := resilience.NewSwitch[speechin.Provider]("speech_in", cloud, local,
		func(err error) bool { return errors.Is(err, speechin.ErrNotProvisioned) },
		resilience.WithDowngradeHook[speechin.Provider](downgrade),
	)
	return sw, func() { local.Close() }, nil
}

// buildSpeechOut wires the cloud synthesiser and the local piper fallback.
func buildSpeechOut(cfg *config.Config, downgrade func(string)) (*resilience.Switch[speechout.Provider], error) {
	cloud, err := speechoutcloud.New(cfg.SpeechOut.Cloud.BaseURL, cfg.SpeechOut.Cloud.APIKey)
	if err != nil {
		return nil, err
	}
	local, err := piper.New(cfg.SpeechOut.Piper.BaseURL)
	if err != nil {
		return nil, err
	}
	sw := resilience.NewSwitch[speechout.Provider]("speech_out", cloud, local,
		func(err error) bool { return errors.Is(err, speechout.ErrNotProvisioned) },
		resilience.WithDowngradeHook[speechout.Provider](downgrade),
	)
	return sw, nil
}

// parseLocation turns a "lat,lng" flag value into a location. An empty value
// is fine and yields nil, the drive just runs without route context.
func parseLocation(s string) (*drive.Location, error) {
	if s == "" {
		return nil, nil
	}
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf(`want "lat,lng", got %q`, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return nil, fmt.Errorf("latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return nil, fmt.Errorf("longitude: %w", err)
	}
	return &drive.Location{Latitude: lat, Longitude: lng}, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
