package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"wealthportal.io/internal/access"
	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/bulk"
	"wealthportal.io/internal/config"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/httpapi"
	"wealthportal.io/internal/identity"
	"wealthportal.io/internal/idp"
	"wealthportal.io/internal/obs"
	"wealthportal.io/internal/store/pg"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("PORTAL_CONFIG"), "Path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.Version == "dev" {
		cfg.App.Version = version
	}

	log, flush := obs.NewLogger(obs.LogOptions{
		Level:       cfg.Log.Level,
		JSON:        cfg.Log.JSON,
		AddCaller:   true,
		Development: cfg.App.Env == "local",
		Rotate: obs.FileRotate{
			Enable:     cfg.Log.File.Enable,
			Filename:   cfg.Log.File.Filename,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			Compress:   cfg.Log.File.Compress,
		},
	})
	defer flush()
	log = log.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))

	if err := run(cfg, log); err != nil {
		log.Error("portal api stopped with error", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(cfg.App.Version, commit)

	b, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	recorder := audit.NewRecorder(log.Named("audit"), b.sinks...)

	users := hierarchy.NewService(b.store,
		hierarchy.WithAudit(recorder),
		hierarchy.WithMetrics(metrics),
		hierarchy.WithLogger(log),
	)
	mapping, err := cfg.Identity.RoleMapping()
	if err != nil {
		return err
	}
	engine := identity.NewEngine(users,
		identity.WithRoleMapping(mapping),
		identity.WithAudit(recorder),
		identity.WithMetrics(metrics),
		identity.WithLogger(log),
	)
	decider := access.NewDecider(b.store, access.WithMetrics(metrics), access.WithLogger(log))
	reconciler := bulk.NewReconciler(users,
		bulk.WithAudit(recorder),
		bulk.WithMetrics(metrics),
		bulk.WithLogger(log),
	)

	verifier, err := newVerifier(cfg)
	if err != nil {
		return fmt.Errorf("idp verifier: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Users:    users,
		Access:   decider,
		Identity: engine,
		Bulk:     reconciler,
		Verifier: verifier,
		AuditLog: b.lister,
		Ready:    b.ready,
		Metrics:  metrics,
		Log:      log,
	}, httpapi.Options{
		Version:        cfg.App.Version,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateLimitRPS:   cfg.HTTP.RateLimit.RPS,
		RateLimitBurst: cfg.HTTP.RateLimit.Burst,
		Production:     cfg.App.Env == "production",
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http.server")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("portal api starting",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.App.Version),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// backend is the storage selected by store.driver plus the audit sinks that
// go with it.
type backend struct {
	store   hierarchy.Store
	sinks   []audit.Sink
	lister  audit.Lister
	ready   httpapi.ReadyProbe
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
	b := &backend{sinks: []audit.Sink{audit.NewLogSink(log.Named("audit"))}}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		store, err := pg.Open(cfg.DB.DSN, cfg.DB.PoolOptions())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.DB.PingTimeout)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			b.close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.store = store
		b.ready = store
		if cfg.Audit.Postgres {
			sink := store.AuditSink()
			b.sinks = append(b.sinks, sink)
			b.lister = sink
		}
	default:
		buf := &audit.Buffer{}
		b.store = hierarchy.NewMemoryStore()
		b.sinks = append(b.sinks, buf)
		b.lister = buf
		log.Warn("using in-memory store; data is lost on restart")
	}

	if k := cfg.Audit.Kafka; len(k.Brokers) > 0 {
		client, err := audit.NewKafkaClient(k.Brokers, k.Topic)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("kafka audit client: %w", err)
		}
		b.closers = append(b.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Flush(ctx); err != nil {
				log.Warn("kafka audit flush failed", zap.Error(err))
			}
			client.Close()
		})
		b.sinks = append(b.sinks, audit.NewKafkaSink(client, k.Topic, log.Named("audit")))
	}
	return b, nil
}

func newVerifier(cfg *config.Config) (*idp.Verifier, error) {
	c := cfg.IdP
	opts := idp.Options{
		Issuer:   c.Issuer,
		Audience: c.Audience,
		Leeway:   c.Leeway,
		Claims: idp.ClaimNames{
			LoginName: c.Claims.LoginName,
			Email:     c.Claims.Email,
			Name:      c.Claims.Name,
			Phone:     c.Claims.Phone,
			Groups:    c.Claims.Groups,
			Role:      c.Claims.Role,
			UserType:  c.Claims.UserType,
		},
		StaffEmailDomains: cfg.Identity.StaffEmailDomains,
	}
	if c.RS256PublicKeyPath != "" {
		key, err := idp.LoadRS256PublicKey(c.RS256PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return idp.NewRS256(key, opts)
	}
	return idp.NewHS256([]byte(c.HS256Secret), opts)
}
