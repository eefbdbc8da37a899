// Package main is the entry point for the apcwatch daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/auth"
	"github.com/jamesprial/apcwatch/internal/config"
	"github.com/jamesprial/apcwatch/internal/history"
	"github.com/jamesprial/apcwatch/internal/mqtt"
	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/notifications"
	"github.com/jamesprial/apcwatch/internal/observability"
	"github.com/jamesprial/apcwatch/internal/safety"
	"github.com/jamesprial/apcwatch/internal/store"
	"github.com/jamesprial/apcwatch/internal/telegram"
	"github.com/jamesprial/apcwatch/internal/tools"
	"github.com/jamesprial/apcwatch/internal/ups"
)

const (
	defaultConfigPath = "/config/config.yaml"
	shutdownTimeout   = 15 * time.Second
	monitorName       = "APC UPS"
)

var version = "<not set>"

type Args struct {
	Config   string `arg:"--config,env:APCWATCH_CONFIG_PATH" help:"path to the YAML config file"`
	LogLevel string `arg:"--log-level" help:"override log.level (debug, info, warn, error)"`
	Once     bool   `arg:"--once" help:"poll the daemon once, print the status as JSON and exit"`
}

func (Args) Version() string {
	return "apcwatch " + version
}

func procArgs() Args {
	args := Args{Config: defaultConfigPath}
	arg.MustParse(&args)
	return args
}

func main() {
	args := procArgs()
	if err := run(args); err != nil {
		logrus.WithError(err).Fatal("apcwatch failed")
	}
}

func run(args Args) error {
	cfg := loadConfig(args.Config)
	config.ApplyEnvOverrides(cfg)
	config.Normalize(cfg)
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}

	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("starting apcwatch")

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Daemon client.
	transport, err := nis.NewTransport(cfg.NIS.Transport, cfg.NIS.Address())
	if err != nil {
		return err
	}
	var fallback nis.StatusSource
	if cfg.NIS.Fallback.Enabled {
		fallback = nis.NewLocalCommand(cfg.NIS.Fallback.Executable)
	}
	client := nis.NewClient(transport, fallback, log)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := observability.NewRecorder(registry)
	if err != nil {
		return err
	}

	// Notification channels.
	channels := []notifications.Channel{notifications.NewLogChannel(log)}
	var reports ups.ReportSender
	if cfg.Telegram.Enabled {
		tg := telegram.NewChannel(telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Timeout, log))
		filter := safety.NewFilter(cfg.Telegram.Categories.Allowlist, cfg.Telegram.Categories.Denylist)
		channels = append(channels, notifications.NewFilteredChannel(tg, filter))
		reports = tg
		log.Info("telegram notifications enabled")
	}
	var statusPublisher ups.StatusPublisher
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub, err = mqtt.Connect(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log)
		if err != nil {
			log.WithError(err).Warn("MQTT unavailable, publishing disabled")
		} else {
			channels = append(channels, mqttPub)
			statusPublisher = mqttPub
		}
	}
	dispatcher := notifications.NewDispatcher(channels, notifications.DispatcherOptions{
		Observer: recorder,
		Logger:   log,
	})

	// Derived state.
	stateFile := store.NewJSONFile[ups.PersistedState](cfg.Storage.StatePath)
	tracker := ups.NewCycleTracker(stateFile, capacityParamsFromConfig(cfg.Battery), log)
	tracker.ResetForNewBattery(cfg.Battery.ReplacedAt)

	samples := history.NewStore(cfg.Storage.MaxSamples, log)
	if err := samples.Load(cfg.Storage.MetricsPath); err != nil {
		log.WithError(err).Warn("could not load metric history, starting empty")
	}

	reportHour := cfg.Telegram.DailyLogHour
	if reports == nil {
		reportHour = -1
	}
	monitor := ups.NewMonitor(ups.MonitorDeps{
		Fetcher:   client,
		Tracker:   tracker,
		Events:    notifications.NewEventLog(0),
		History:   samples,
		Notifier:  dispatcher,
		Reports:   reports,
		Recorder:  recorder,
		Publisher: statusPublisher,
		Settings:  newSettingsFile(args.Config),
		Logger:    log,
	}, ups.MonitorOptions{
		Name:            monitorName,
		PollInterval:    cfg.NIS.PollInterval,
		Timeout:         cfg.NIS.Timeout,
		Thresholds:      thresholdsFromConfig(cfg.Alerts),
		DailyReportHour: reportHour,
	})

	if args.Once {
		monitor.Poll(ctx)
		dispatcher.Wait()
		if mqttPub != nil {
			mqttPub.Close()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(monitor.Snapshot())
	}

	// MCP server.
	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.WithError(err).Warn("could not generate auth token, running without authentication")
	} else if tokenBefore == "" {
		log.WithField("token", token).Warn("generated auth token (set APCWATCH_AUTH_TOKEN to persist)")
	}

	var auditLogger *safety.AuditLogger
	if cfg.Audit.Enabled {
		al, closer, err := safety.OpenAuditLog(cfg.Audit.LogPath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.Audit.LogPath).Warn("audit logging disabled")
		} else {
			auditLogger = al
			defer closer.Close()
		}
	}

	mcpServer := server.NewMCPServer("apcwatch", version, server.WithToolCapabilities(false))
	var registrations []tools.Registration
	registrations = append(registrations, ups.UPSTools(monitor, safety.NewConfirmationTracker(ups.DestructiveTools), auditLogger)...)
	registrations = append(registrations, notifications.EventTools(monitor, safety.NewConfirmationTracker(notifications.DestructiveTools), auditLogger)...)
	n := tools.RegisterAll(mcpServer, registrations)
	log.WithField("tools", n).Info("MCP tools registered")

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.NewAuthMiddleware(cfg.Server.AuthToken, log)(server.NewStreamableHTTPServer(mcpServer)))
	mux.Handle("/metrics", observability.Handler(registry))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background loops.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		samples.RunAutosave(ctx, cfg.Storage.MetricsPath, cfg.Storage.SaveInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", httpSrv.Addr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("graceful shutdown error")
	}

	wg.Wait()
	monitor.Wait()
	dispatcher.Wait()
	if mqttPub != nil {
		mqttPub.Close()
	}
	log.Info("apcwatch stopped")
	return err
}

// loadConfig reads the config file at path. If the file cannot be read,
// DefaultConfig is returned.
func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("could not load config, using defaults")
		return config.DefaultConfig()
	}
	logrus.WithField("path", path).Info("loaded config")
	return cfg
}

// newLogger builds the process logger from the log section of the config.
func newLogger(c config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	if c.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}
