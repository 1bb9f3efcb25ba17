package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"nestobserve/internal/apierr"
	"nestobserve/internal/auth"
	"nestobserve/internal/clock"
	"nestobserve/internal/config"
	"nestobserve/internal/credentials"
	"nestobserve/internal/health"
	"nestobserve/internal/logging"
	"nestobserve/internal/metrics"
	"nestobserve/internal/model"
	"nestobserve/internal/observe"
	"nestobserve/internal/session"
	"nestobserve/internal/store"
	"nestobserve/internal/traits"
)

const (
	pruneInterval  = time.Hour
	crashRetention = 30 * 24 * time.Hour
)

var (
	errDeviceListChanged = errors.New("device list changed")
	errOnce              = errors.New("first device tree stored")
)

// daemon is everything cmdRun wires around one Session.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	log    *slog.Logger

	store    *store.Store
	events   *logging.EventJournal
	crash    *logging.CrashHandler
	registry *metrics.Registry
	metrics  *metrics.Metrics
	health   *health.Checker
	authn    *auth.Authenticator
	sess     *session.Session

	cancel        context.CancelCauseFunc
	once          bool
	exitOnChange  atomic.Bool
	keepSnapshots atomic.Int64
}

func cmdRun(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	g.register(fs)
	once := fs.Bool("once", false, "exit after the first device tree is stored")
	listen := fs.String("metrics-listen", "", "serve /metrics and /healthz on this address")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	loader, cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}
	defer loader.Close()
	if *listen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *listen
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := loggingConfig(cfg, &g)
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{cfg: cfg, logger: logger, log: logger.WithComponent("main").Logger, once: *once}
	d.exitOnChange.Store(cfg.Session.ExitOnDeviceListChanged)
	d.keepSnapshots.Store(int64(cfg.Storage.KeepSnapshots))
	return d.run(ctx, loader)
}

func (d *daemon) run(parent context.Context, loader *config.Loader) error {
	cfg := d.cfg

	lock, err := store.AcquireLock(filepath.Dir(cfg.Storage.Path))
	if err != nil {
		return err
	}
	defer lock.Release()

	d.store, err = store.Open(cfg.Storage.Path, store.Options{BusyTimeout: config.Millis(cfg.Storage.BusyTimeoutMs)})
	if err != nil {
		return err
	}
	defer d.store.Close()

	if cfg.Logging.EventsPath != "" {
		d.events, err = logging.NewEventJournal(cfg.Logging.EventsPath, int64(cfg.Logging.MaxSizeMB), cfg.Logging.MaxBackups)
		if err != nil {
			return err
		}
		defer d.events.Close()
	}

	d.crash, err = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(filepath.Dir(cfg.Storage.Path), "crashes"),
		Version:   Version,
		Component: "session",
	})
	if err != nil {
		return err
	}
	if err := d.crash.Cleanup(crashRetention); err != nil {
		d.log.Warn("crash report cleanup failed", "error", err)
	}

	file, err := credentials.Load(cfg.Credentials.Paths)
	switch {
	case errors.Is(err, credentials.ErrNotFound) && (cfg.Auth.RefreshToken != "" || cfg.Auth.LegacyToken != ""):
		d.log.Warn("no credentials file, using configured token", "paths", cfg.Credentials.Paths)
	case err != nil:
		return err
	}
	authCfg, err := authConfig(cfg, file)
	if err != nil {
		return err
	}

	codec, err := traits.Load(parent, d.logger.WithComponent("traits").Logger)
	if err != nil {
		return err
	}
	payload, err := codec.ObservePayload()
	if err != nil {
		return err
	}

	d.registry = metrics.NewRegistry()
	if d.metrics, err = metrics.New(d.registry); err != nil {
		return err
	}

	d.authn = auth.New(authCfg, &http.Client{}, clock.Real(), d.logger.WithComponent("auth").Logger)
	defer d.authn.Close()
	unsubscribe := d.authn.Subscribe(d.authenticated)
	defer unsubscribe()

	target := observeURL(cfg, authCfg.FieldTest)
	d.sess = session.New(session.Options{
		Auth: &reportingAuth{Authenticator: d.authn, onFailure: d.authFailed},
		Dialer: &observe.HTTP2Dialer{
			URL:       target,
			Payload:   payload,
			UserAgent: cfg.Endpoints.UserAgent,
			Logger:    d.logger.WithComponent("http2").Logger,
		},
		Decoder:             d.metrics.InstrumentDecoder(codec),
		Stream:              observeConfig(cfg),
		Logger:              d.logger.Logger,
		Consumer:            d.consume,
		OnDeviceListChanged: d.deviceListChanged,
		OnCycleEnd:          d.cycleEnded,
		OnAuthFailure:       d.reauthFailed,
		PendingTTL:          pendingTTL(cfg),
	})

	d.health = health.NewChecker()
	d.health.RegisterFunc("auth", true, health.AuthCheck(d.authn.Valid, d.authn.Failures))
	d.health.RegisterFunc("stream", true, health.StreamCheck(d.sess.Stream().LastData, config.Seconds(cfg.Observe.IdleTimeoutSec), nil))
	d.health.RegisterFunc("store", false, health.PingCheck(d.store.DB().PingContext))

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	d.cancel = cancel

	if cfg.Metrics.Enabled {
		srv := d.serve(cfg.Metrics.Listen)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	loader.OnChange(d.configChanged)
	if err := loader.Watch(); err != nil {
		d.log.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	} else {
		go d.drain("config", loader.Errors(), ctx.Done())
	}

	if file != nil && cfg.Credentials.Watch {
		w, err := credentials.Watch(file.Path, 0, d.logger.WithComponent("credentials").Logger, d.credentialsChanged)
		if err != nil {
			d.log.Warn("credentials watch disabled", "path", file.Path, "error", err)
		} else {
			defer w.Stop()
			go d.drain("credentials", w.Errors(), ctx.Done())
		}
	}

	go d.pruneLoop(ctx)

	d.events.Startup(Version, map[string]any{
		"observe_url":  target,
		"refresh_flow": authCfg.RefreshToken != "",
		"config":       loader.Path(),
	})
	d.log.Info("starting", "version", Version, "observe_url", target, "storage", cfg.Storage.Path)

	var runErr error
	panicked := d.crash.Recover(map[string]any{"command": "run"}, func() {
		runErr = d.sess.Run(ctx)
	})

	cause := context.Cause(ctx)
	switch {
	case panicked:
		d.events.Shutdown("panic")
		return errors.New("session panicked, crash report written")
	case errors.Is(cause, errOnce):
		d.events.Shutdown("once")
		return nil
	case errors.Is(cause, errDeviceListChanged):
		d.events.Shutdown("device list changed")
		return &exitError{code: 3, err: cause}
	case ctx.Err() != nil:
		d.log.Info("shutting down")
		d.events.Shutdown("signal")
		return nil
	default:
		d.events.Shutdown("error")
		return runErr
	}
}

// serve starts the metrics and health listener.
func (d *daemon) serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.Handler())
	mux.Handle("/healthz", d.health.Handler())
	mux.Handle("/readyz", d.health.ReadinessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		d.log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics listener failed", "error", err)
		}
	}()
	return srv
}

func (d *daemon) drain(source string, errs <-chan error, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case err := <-errs:
			d.log.Warn("reload failed", "source", source, "error", err)
		}
	}
}

func (d *daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		d.prune()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) prune() {
	removed, err := d.store.Prune(int(d.keepSnapshots.Load()))
	if err != nil {
		d.log.Error("prune snapshots", "error", err)
		return
	}
	if removed > 0 {
		d.log.Debug("pruned snapshots", "removed", removed)
	}
}

// consume runs on the stream goroutine for every emitted tree.
func (d *daemon) consume(tree *model.DeviceTree) {
	d.metrics.Observe(tree)
	d.health.SetReady(true)

	if path := d.cfg.Storage.StateFile; path != "" {
		if err := store.WriteStateFile(path, tree); err != nil {
			d.log.Error("write state file", "path", path, "error", err)
		}
	}
	saved, err := d.store.SaveSnapshot(d.sess.UserID(), d.sess.Stream().Generation(), tree, time.Now())
	if err != nil {
		d.log.Error("save snapshot", "error", err)
	}
	d.log.Info("got data", "devices", store.CountDevices(tree), "stored", saved)
	logSummary(d.log, tree)

	if d.once {
		d.cancel(errOnce)
	}
}

func (d *daemon) cycleEnded(out observe.Outcome) {
	d.metrics.RecordCycle(out)
	d.events.StreamCycle(out.Generation, out.Reason.String(), out.StatusCode(), out.Frames, out.Err)

	c := store.Cycle{
		Generation: out.Generation,
		Reason:     out.Reason.String(),
		Status:     out.StatusCode(),
		Frames:     out.Frames,
		EndedAt:    time.Now(),
	}
	if out.Err != nil {
		c.Error = out.Err.Error()
	}
	if _, err := d.store.RecordCycle(c); err != nil {
		d.log.Error("record cycle", "error", err)
	}
}

func (d *daemon) authenticated(cred auth.Credential) {
	d.metrics.RecordAuth(nil)
	d.events.SetUserID(cred.UserID)
	d.crash.SetUserID(cred.UserID)
	d.events.AuthSuccess(cred.Expires, cred.RefreshFlow)
}

func (d *daemon) authFailed(err error) {
	d.metrics.RecordAuth(err)
	d.events.AuthFailure(err)
}

// reauthFailed is told about failed reauthentication inside the stream
// loop, which keeps retrying on its own.
func (d *daemon) reauthFailed(err error) {
	if apierr.IsTerminal(err) {
		d.log.Error("credentials need attention, update auth.json", "error", err)
	}
}

func (d *daemon) deviceListChanged(structureID string, before, after int) {
	d.events.DeviceListChanged(structureID, before, after)
	if d.exitOnChange.Load() {
		d.log.Warn("device list changed, exiting", "structure", structureID, "before", before, "after", after)
		d.cancel(errDeviceListChanged)
	}
}

func (d *daemon) credentialsChanged(f *credentials.File) {
	d.events.CredentialsChange(f.Path)
	if f.RefreshToken == "" {
		d.log.Warn("credentials file no longer has a refresh token, keeping the current one", "path", f.Path)
		return
	}
	d.authn.SetRefreshToken(f.RefreshToken)
	d.log.Info("refresh token replaced, used from the next exchange", "path", f.Path)
}

// configChanged applies the settings that can change while running.
// The rest are reported and take effect after a restart.
func (d *daemon) configChanged(old, cur *config.Config) {
	if old.Logging.Level != cur.Logging.Level {
		if level, err := logging.ParseLevel(cur.Logging.Level); err == nil {
			d.logger.SetLevel(level)
			d.events.ConfigChange("logging.level", old.Logging.Level, cur.Logging.Level)
			d.log.Info("log level changed", "level", logging.LevelString(level))
		}
	}
	if old.Session.ExitOnDeviceListChanged != cur.Session.ExitOnDeviceListChanged {
		d.exitOnChange.Store(cur.Session.ExitOnDeviceListChanged)
		d.events.ConfigChange("session.exit_on_device_list_changed",
			fmt.Sprint(old.Session.ExitOnDeviceListChanged), fmt.Sprint(cur.Session.ExitOnDeviceListChanged))
	}
	if old.Storage.KeepSnapshots != cur.Storage.KeepSnapshots {
		d.keepSnapshots.Store(int64(cur.Storage.KeepSnapshots))
		d.events.ConfigChange("storage.keep_snapshots",
			fmt.Sprint(old.Storage.KeepSnapshots), fmt.Sprint(cur.Storage.KeepSnapshots))
	}
	if old.Auth != cur.Auth || old.Endpoints != cur.Endpoints || old.Observe != cur.Observe {
		d.log.Warn("connection settings changed, restart to apply them")
	}
}

// reportingAuth reports failed exchanges started by the session or the
// stream. Successes are seen through Subscribe.
type reportingAuth struct {
	*auth.Authenticator
	onFailure func(error)
}

func (r *reportingAuth) Authenticate(ctx context.Context, preemptive bool) (auth.Credential, error) {
	cred, err := r.Authenticator.Authenticate(ctx, preemptive)
	if err != nil && ctx.Err() == nil {
		r.onFailure(err)
	}
	return cred, err
}
