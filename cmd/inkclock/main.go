// Inkclock shows how long ago something happened on a small e-ink
// panel.
//
// Two ISO-8601 timestamps arrive over MQTT: a "past" event (typically
// a retained message published by Home Assistant) and the current
// "now". Once per refresh interval the pair becomes a label such as
// "3 hours ago" on the configured display surface. Configuration is a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	inkclock init [dir]            Write an example config and data directory
//	inkclock run                   Connect to the broker and drive the display
//	inkclock elapsed <past> <now>  Print the label for one pair of timestamps
//	inkclock version               Print version and build information
//	inkclock -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/inkclock/internal/buildinfo"
	"github.com/nugget/inkclock/internal/config"
	"github.com/nugget/inkclock/internal/connwatch"
	"github.com/nugget/inkclock/internal/discovery"
	"github.com/nugget/inkclock/internal/display"
	"github.com/nugget/inkclock/internal/elapsed"
	"github.com/nugget/inkclock/internal/httpkit"
	"github.com/nugget/inkclock/internal/mqtt"
	"github.com/nugget/inkclock/internal/refresh"
	"github.com/nugget/inkclock/internal/state"
	"github.com/nugget/inkclock/internal/status"
	"github.com/nugget/inkclock/internal/tz"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs
// go to stdout, and args is os.Args[1:]. Arguments are parsed by hand
// so that run holds no global flag state and tests can call it in
// parallel.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runService(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "elapsed":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: inkclock elapsed <past> <now>")
		}
		return runElapsed(ctx, stdout, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "inkclock - elapsed-time label for an e-ink panel")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: inkclock [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml and data directory")
	fmt.Fprintln(w, "  run                   Subscribe to the time topics and drive the display")
	fmt.Fprintln(w, "  elapsed <past> <now>  Print the label for one pair of timestamps")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runElapsed evaluates one past/now pair and prints the label. It uses
// the configured zone, style and character budget when a config file
// is found, and the defaults otherwise. MQTT is never touched.
func runElapsed(ctx context.Context, stdout io.Writer, configPath, outputFmt, past, now string) error {
	cfg := config.Default()
	if configPath != "" || hasConfig() {
		loaded, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := config.NewLogger(io.Discard, slog.LevelInfo, "text")
	engine, _, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	res, err := engine.Evaluate(ctx, past, now)
	if err != nil {
		return fmt.Errorf("elapsed: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"label":           res.Label,
			"elapsed_seconds": int64(res.Elapsed.Seconds()),
			"past":            res.Past.Format(time.RFC3339),
			"now":             res.Now.Format(time.RFC3339),
			"clamped":         res.Clamped,
		})
	}
	fmt.Fprintln(stdout, res.Label)
	return nil
}

// runService handles "inkclock run". It loads config, opens the state
// store, connects to the broker and drives the display until a
// shutdown signal arrives.
//
// Shutdown order:
//  1. SIGINT or SIGTERM cancels the context and the refresh loop returns
//  2. "offline" is published and the MQTT connection closed
//  3. the status server drains, then watchers and the store close via defers
func runService(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting inkclock", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Validated by config.Load, so the error is unreachable.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"timezone", cfg.Timezone,
		"topic_past", cfg.MQTT.TopicPast,
		"topic_now", cfg.MQTT.TopicNow,
		"display", cfg.Display.Kind,
		"refresh", cfg.RefreshInterval().String(),
	)
	if cfg.WiFi.SSID != "" {
		logger.Info("expecting network from host", "ssid", cfg.WiFi.SSID)
	}

	// --- Data directory and state ---
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "inkclock.db")
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("state database opened", "path", dbPath)

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mqtt instance ID: %w", err)
	}

	// --- Elapsed-time engine ---
	engine, zonePing, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	metrics := status.NewMetrics()

	// --- Broker ---
	brokerURL := cfg.MQTT.URL()
	if brokerURL == "" {
		browser := &discovery.Browser{Logger: logger}
		broker, err := browser.Find(ctx)
		if err != nil {
			return fmt.Errorf("mqtt.broker not set and discovery failed: %w", err)
		}
		brokerURL = broker.URL()
	}

	// The handler is bound late: the loop needs the client as its MQTT
	// surface, and the client needs the loop's handler. Nothing is
	// delivered before Start.
	var loop *refresh.Loop
	client := mqtt.New(cfg.MQTT, brokerURL, instanceID, cfg.Display.Kind == "mqtt",
		func(topic string, payload []byte, retained bool) {
			loop.HandleMessage(topic, payload, retained)
		}, logger)
	metrics.TrackDropped(client.Dropped)

	surface, err := newSurface(cfg, stdout, client)
	if err != nil {
		return err
	}

	loop = refresh.New(refresh.Options{
		Engine:           engine,
		Latest:           refresh.NewLatest(cfg.MQTT.TopicPast, cfg.MQTT.TopicNow, nil),
		Surface:          surface,
		Store:            store,
		Metrics:          metrics,
		Logger:           logger,
		Interval:         cfg.RefreshInterval(),
		MinRefresh:       time.Duration(cfg.Display.MinRefreshSec) * time.Second,
		RenderOnMessage:  cfg.Display.RenderOnMessage,
		Placeholder:      cfg.Display.Placeholder,
		LEDThresholdMins: *cfg.LEDsOnMinsThreshold,
		LEDOffBeforeHour: *cfg.LEDsAlwaysOffBeforeHour,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := client.Start(ctx); err != nil {
			logger.Error("mqtt client failed", "error", err)
		}
	}()

	// --- Dependency health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.Target{
		Name:     "broker",
		Probe:    client.AwaitConnection,
		OnChange: metrics.DependencyChanged,
	})
	if zonePing != nil {
		connMgr.Watch(ctx, connwatch.Target{
			Name:     "timezone",
			Probe:    zonePing,
			Backoff:  connwatch.Backoff{Poll: cfg.TimezoneLookup.TTL()},
			OnChange: metrics.DependencyChanged,
		})
	}

	// --- Status endpoint ---
	var statusSrv *status.Server
	if cfg.Status.Configured() {
		statusSrv = status.NewServer(cfg.Status.Address, cfg.Status.Port, metrics, connMgr, loop.LastFrame, logger)
		go func() {
			if err := statusSrv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		logger.Error("refresh loop failed", "error", err)
	}
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := client.Stop(shutdownCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}
	if statusSrv != nil {
		_ = statusSrv.Shutdown(shutdownCtx)
	}

	logger.Info("inkclock stopped")
	return nil
}

// newEngine builds the elapsed-time engine and its timezone resolver
// chain. The returned probe is non-nil when the resolver depends on a
// remote service that connwatch should monitor.
func newEngine(cfg *config.Config, logger *slog.Logger) (*elapsed.Engine, connwatch.ProbeFunc, error) {
	style, err := elapsed.ParseStyle(cfg.Display.Style)
	if err != nil {
		return nil, nil, err
	}

	var resolver elapsed.Resolver = tz.Local{}
	var probe connwatch.ProbeFunc

	if cfg.TimezoneLookup.Provider == "worldtimeapi" {
		client := httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
		remote := tz.NewWorldTimeAPI(cfg.TimezoneLookup.URL, client)
		cached, err := tz.NewCached(remote, cfg.TimezoneLookup.CacheSize, cfg.TimezoneLookup.TTL())
		if err != nil {
			return nil, nil, fmt.Errorf("timezone cache: %w", err)
		}
		resolver = cached
		zone := cfg.Timezone
		probe = func(ctx context.Context) error { return remote.Ping(ctx, zone) }
	}

	if offset, ok := cfg.FallbackOffset(); ok {
		resolver = &tz.Fallback{
			Primary:   resolver,
			Secondary: elapsed.Fixed{Offset: offset},
			Logger:    logger,
		}
	}

	return &elapsed.Engine{
		Zone:     cfg.Timezone,
		Resolver: resolver,
		Style:    style,
		MaxChars: cfg.Display.MaxChars,
	}, probe, nil
}

// newSurface returns the configured display surface, wrapped so an
// unchanged frame does not trigger a panel refresh.
func newSurface(cfg *config.Config, stdout io.Writer, client *mqtt.Client) (display.Surface, error) {
	var s display.Surface
	switch cfg.Display.Kind {
	case "stdout":
		s = &display.Writer{W: stdout}
	case "file":
		s = &display.File{Path: cfg.Display.Path}
	case "mqtt":
		s = &display.MQTT{
			Pub:            client,
			LabelTopic:     client.LabelTopic(),
			IndicatorTopic: client.IndicatorTopic(),
		}
	default:
		return nil, fmt.Errorf("unknown display kind %q", cfg.Display.Kind)
	}
	return &display.Dedup{Next: s}, nil
}

// hasConfig reports whether any default config location exists.
func hasConfig() bool {
	_, err := config.FindConfig("")
	return err == nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
