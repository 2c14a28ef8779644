// Command pyde1d is the pyde1 daemon entry point: it wires the Event
// Bus, the Managed Bluetooth Device handles, the FlowSequencer, the
// Sequence Recorder/History Store, the MQTT notification forwarder,
// and the httpapi request surface together, then runs until a signal
// requests shutdown. Startup does flag parsing, config load, building
// a config-driven logger, then a signal.Notify-plus-context-cancel
// shutdown sequence that stops accepting work, releases devices,
// flushes the store, and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
	"github.com/pyde1/pyde1-go/internal/ble"
	"github.com/pyde1/pyde1-go/internal/buildinfo"
	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/config"
	"github.com/pyde1/pyde1-go/internal/connwatch"
	"github.com/pyde1/pyde1-go/internal/flowseq"
	"github.com/pyde1/pyde1-go/internal/httpapi"
	"github.com/pyde1/pyde1-go/internal/ipc"
	"github.com/pyde1/pyde1-go/internal/mbd"
	"github.com/pyde1/pyde1-go/internal/notify"
	"github.com/pyde1/pyde1-go/internal/profile"
	"github.com/pyde1/pyde1-go/internal/recorder"
	"github.com/pyde1/pyde1-go/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting pyde1d", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath, logger)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if cfg.Logging.Level != "" {
		level, err := config.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			logger.Error("invalid logging.level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Filename), 0o755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Bluetooth.IDFileDirectory, 0o755); err != nil {
		logger.Error("failed to create bluetooth scratch directory", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New(logger.With("component", "bus"))

	st, err := store.Open(cfg.Database.Filename, logger.With("component", "store"))
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Database.Filename, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	devices := buildDevices(cfg, eventBus, logger)
	defer func() {
		for _, d := range devices {
			d.handle.Close()
		}
	}()

	de1Adapter := devices[bus.RoleDE1].adapter
	if err := mbd.CleanupStaleSessions(cfg.Bluetooth.IDFileDirectory, cfg.Bluetooth.IDFileSuffix, de1Adapter, logger); err != nil {
		logger.Warn("stale session cleanup failed", "error", err)
	}

	handles := make(map[bus.DeviceRole]*mbd.Handle, len(devices))
	for role, d := range devices {
		handles[role] = d.handle
	}

	profiles := profile.NewRegistry(st, nil)

	requester := &de1Requester{handle: handles[bus.RoleDE1], logger: logger.With("component", "de1")}
	scale := &scaleController{handle: handles[bus.RoleScale]}

	sequencer := flowseq.New(flowseq.Config{
		States:             defaultSequencerStates(),
		WatchdogTimeout:    cfg.DE1.SequenceWatchdogTimeout.Duration,
		StopAtWeightAdjust: time.Duration(cfg.DE1.StopAtWeightAdjust * float64(time.Second)),
	}, eventBus, requester, scale, logger.With("component", "flowseq"))

	rec := recorder.New(recorder.Config{
		RingCapacity: 4096,
		Profile:      profiles.Current,
	}, eventBus, st, nil, logger.With("component", "recorder"))

	forwarder := notify.New(cfg.MQTT, eventBus, logger.With("component", "notify"))

	watchers := connwatch.NewRegistry(logger.With("component", "connwatch"))

	apiServer := httpapi.New(httpapi.Config{
		Host:           cfg.HTTP.ServerHost,
		Port:           cfg.HTTP.ServerPort,
		PatchSizeLimit: cfg.HTTP.PatchSizeLimit,
		LogDir:         "/var/log/pyde1",
		Flags:          httpapi.FeatureFlags{GHCActive: false, RinseControl: true},
		Requester:      requester,
	}, eventBus, handles, sequencer, profiles, devices[bus.RoleDE1].adapter, watchers, logger.With("component", "httpapi"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sequencer.Run(ctx)
	go rec.Run(ctx)
	go watchDE1State(ctx, eventBus, sequencer, handles, logger)

	mqttSupervisor := &ipc.Supervisor{Name: "notify", Policy: ipc.DefaultRetryPolicy(), Logger: logger.With("worker", "notify"), OnFatal: fatalHandler(logger, cancel)}
	go mqttSupervisor.Run(ctx, forwarder.Run)

	watchers.Track(ctx, "mqtt-broker", forwarder.AwaitConnection, connwatch.Timing{}, func(up bool, err error) {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		eventBus.Publish(bus.Envelope{
			Kind:    bus.KindConnectivity,
			Sender:  "mqtt",
			Payload: bus.Connectivity{Connected: up, Detail: detail},
		})
	})

	httpSupervisor := &ipc.Supervisor{Name: "httpapi", Policy: ipc.DefaultRetryPolicy(), Logger: logger.With("worker", "httpapi"), OnFatal: fatalHandler(logger, cancel)}
	apiDone := make(chan error, 1)
	go func() {
		apiDone <- httpSupervisor.Run(ctx, apiServer.Start)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)

	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())

		// Ordered drain: stop opening new sequences, await the in-flight
		// one (bounded), then tear the transports down and release the
		// captured devices before the deferred store close runs.
		sequencer.Quiesce()
		drainDeadline := time.Now().Add(cfg.DE1.SequenceWatchdogTimeout.Duration)
		if wait := 15 * time.Second; time.Now().Add(wait).Before(drainDeadline) {
			drainDeadline = time.Now().Add(wait)
		}
		for sequencer.Active() && time.Now().Before(drainDeadline) {
			time.Sleep(100 * time.Millisecond)
		}

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = forwarder.Stop(shutdownCtx)
		watchers.Stop()
		for _, h := range devices {
			h.handle.Release()
		}
	}()

	if err := <-apiDone; err != nil {
		if ctx.Err() == nil {
			logger.Error("httpapi server failed", "error", err)
		}
	}

	logger.Info("pyde1d stopped")
}

func fatalHandler(logger *slog.Logger, cancel context.CancelFunc) func(error) {
	return func(err error) {
		logger.Error("worker escalated to fatal, shutting down", "error", err)
		cancel()
	}
}

type deviceSet struct {
	handle  *mbd.Handle
	adapter *ble.Adapter
}

// requestedStateCodes maps a coarse MachineState to the one-byte value
// written to the DE1's RequestedState characteristic.
var requestedStateCodes = map[bus.MachineState]byte{
	bus.StateSleep:         0x00,
	bus.StateIdle:          0x02,
	bus.StateEspresso:      0x04,
	bus.StateSteam:         0x05,
	bus.StateHotWater:      0x06,
	bus.StateDescale:       0x0A,
	bus.StateHotWaterRinse: 0x0F,
	bus.StateClean:         0x12,
}

type commandWriter interface {
	Write([]byte) error
}

// de1Requester implements flowseq.StateRequester by writing the
// requested-state byte on the DE1's write characteristic.
type de1Requester struct {
	handle *mbd.Handle
	logger *slog.Logger
}

func (r *de1Requester) RequestState(ctx context.Context, state bus.MachineState) error {
	code, ok := requestedStateCodes[state]
	if !ok {
		return &apperr.UnsupportedStateTransition{To: string(state)}
	}
	sess, ok := r.handle.Session()
	if !ok {
		return &apperr.DeviceNotConnected{Role: string(bus.RoleDE1)}
	}
	w, ok := sess.(commandWriter)
	if !ok {
		return &apperr.UnsupportedFeature{Feature: "state_request"}
	}
	if err := w.Write([]byte{code}); err != nil {
		return &apperr.TransportError{Cause: err}
	}
	r.logger.Info("requested DE1 state", "state", state)
	return nil
}

// scaleController exposes the Scale role handle to the FlowSequencer
// for auto-tare and SAW readiness checks.
type scaleController struct {
	handle *mbd.Handle
}

func (s *scaleController) Ready() bool { return s.handle.IsReady() }

func (s *scaleController) Tare(ctx context.Context) error {
	model, ok := s.handle.Scale()
	if !ok {
		return &apperr.DeviceNotConnected{Role: string(bus.RoleScale)}
	}
	return model.Tare(ctx)
}

// watchDE1State applies two cross-cutting DE1 policies:
// release scales and thermometers while the DE1 sleeps so
// they can power down (recapturing on wake), and close the active
// sequence if the DE1 is lost mid-shot.
func watchDE1State(ctx context.Context, b *bus.Bus, sequencer *flowseq.Sequencer, handles map[bus.DeviceRole]*mbd.Handle, logger *slog.Logger) {
	states, unsubStates := b.Subscribe(bus.KindStateUpdate, 16)
	avail, unsubAvail := b.Subscribe(bus.KindDeviceAvailability, 16)
	defer unsubStates()
	defer unsubAvail()

	peripherals := []bus.DeviceRole{bus.RoleScale, bus.RoleThermometer}
	sleeping := false
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-states:
			su, ok := env.Payload.(bus.StateUpdate)
			if !ok {
				continue
			}
			switch {
			case su.State == bus.StateSleep && !sleeping:
				sleeping = true
				logger.Info("DE1 sleeping, releasing peripherals")
				for _, role := range peripherals {
					if h := handles[role]; h != nil {
						h.Release()
					}
				}
			case su.State != bus.StateSleep && sleeping:
				sleeping = false
				logger.Info("DE1 awake, recapturing peripherals")
				for _, role := range peripherals {
					if h := handles[role]; h != nil {
						h.Capture()
					}
				}
			}
		case env := <-avail:
			da, ok := env.Payload.(bus.DeviceAvailability)
			if !ok || da.Role != bus.RoleDE1 {
				continue
			}
			if !da.Ready && da.FailureReason != "" {
				sequencer.DeviceLost()
			}
		}
	}
}

// roleProfiles gives each role's BLE adapter the GATT service/
// characteristic UUIDs it scans for and subscribes to. These are the
// well-known DE1 GATT service/name-prefix values used for scan
// matching and notification enablement only; the DE1's actual
// characteristic binary encodings are handled at a layer above this
// core.
func roleProfiles() map[bus.DeviceRole]ble.Profile {
	return map[bus.DeviceRole]ble.Profile{
		bus.RoleDE1: {
			Service:      "0000a000-0000-1000-8000-00805f9b34fb",
			NotifyChars:  []string{"0000a001-0000-1000-8000-00805f9b34fb"},
			WriteChar:    "0000a002-0000-1000-8000-00805f9b34fb",
			NamePrefixes: []string{"DE1"},
		},
		bus.RoleScale: {
			Service:      "0000a100-0000-1000-8000-00805f9b34fb",
			NotifyChars:  []string{"0000a101-0000-1000-8000-00805f9b34fb"},
			NamePrefixes: []string{"Skale", "Decent Scale", "Acaia"},
		},
		bus.RoleThermometer: {
			Service:      "0000a200-0000-1000-8000-00805f9b34fb",
			NotifyChars:  []string{"0000a201-0000-1000-8000-00805f9b34fb"},
			NamePrefixes: []string{"Blue"},
		},
	}
}

func buildDevices(cfg *config.Config, b *bus.Bus, logger *slog.Logger) map[bus.DeviceRole]deviceSet {
	policy := mbd.BackoffPolicy{
		ConnectTimeout:      cfg.Bluetooth.ConnectTimeout.Duration,
		ReconnectRetryCount: cfg.Bluetooth.ReconnectRetryCount,
		ReconnectGap:        cfg.Bluetooth.ReconnectGap.Duration,
	}
	models := mbd.NewModelRegistry()

	out := make(map[bus.DeviceRole]deviceSet, 3)
	for role, p := range roleProfiles() {
		adapter := ble.NewAdapter(p, cfg.Bluetooth.ScanTime.Duration, logger.With("role", role))
		handle := mbd.NewHandle(role, adapter, models, b, policy, logger.With("component", "mbd"), cfg.Bluetooth.IDFileDirectory, cfg.Bluetooth.IDFileSuffix)
		out[role] = deviceSet{handle: handle, adapter: adapter}
	}
	return out
}

// defaultSequencerStates returns the per-active_state configuration
// table admitting Espresso, Steam, HotWater, and HotWaterRinse as flow
// sequences; Idle/Sleep/Clean/Descale/Transport admit no sequence at
// all.
func defaultSequencerStates() map[bus.MachineState]flowseq.StateConfig {
	return map[bus.MachineState]flowseq.StateConfig{
		bus.StateEspresso: {
			FirstDropsThreshold:          0.2,
			LastDropsMinimumTime:         3 * time.Second,
			ProfileCanOverrideStopLimits: true,
		},
		bus.StateSteam: {
			DisableAutoTare:      true,
			FirstDropsThreshold:  0.2,
			LastDropsMinimumTime: 1 * time.Second,
		},
		bus.StateHotWater: {
			FirstDropsThreshold:  0.2,
			LastDropsMinimumTime: 1 * time.Second,
		},
		bus.StateHotWaterRinse: {
			DisableAutoTare:      true,
			FirstDropsThreshold:  0.2,
			LastDropsMinimumTime: 1 * time.Second,
		},
	}
}
