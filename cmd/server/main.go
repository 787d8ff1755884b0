// Command livecom-server runs the session broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verder-helpen/comm-livecom/internal/authority"
	"github.com/verder-helpen/comm-livecom/internal/config"
	"github.com/verder-helpen/comm-livecom/internal/limiter"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/migrate"
	"github.com/verder-helpen/comm-livecom/internal/repository/postgres"
	"github.com/verder-helpen/comm-livecom/internal/result"
	httpserver "github.com/verder-helpen/comm-livecom/internal/server/http"
	"github.com/verder-helpen/comm-livecom/internal/service"
	"github.com/verder-helpen/comm-livecom/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		_, _ = os.Stderr.WriteString("load .env: " + err.Error() + "\n")
		os.Exit(2)
	}
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.Bool("encryptedResults", cfg.Identity != nil),
		zap.Bool("enforceResultExpiry", cfg.EnforceResultExpiry),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		return err
	}

	db, err := postgres.New(ctx, cfg.DSN, cfg.DBTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	codec, err := token.NewCodec(cfg.GuestKey, cfg.HostKey, token.WithLeeway(cfg.TokenLeeway))
	if err != nil {
		return err
	}
	results, err := result.NewAuthenticator(cfg.AuthorityKey, cfg.Identity, result.WithLeeway(cfg.TokenLeeway))
	if err != nil {
		return err
	}

	authOpts := []authority.Option{authority.WithLogger(logger), authority.WithMetrics(m)}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rc := redis.NewClient(ropts)
		defer func() { _ = rc.Close() }()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, options cache will degrade", zap.Error(err))
		}
		authOpts = append(authOpts, authority.WithOptionsCache(authority.NewRedisCache(rc), cfg.OptionsCacheTTL))
	}
	core, err := authority.New(cfg.CoreURL, cfg.AuthorityTimeout, authOpts...)
	if err != nil {
		return err
	}

	broker := service.NewBroker(codec, postgres.NewSessionRepo(db), results, core,
		service.Config{InternalURL: cfg.InternalURL, EnforceResultExpiry: cfg.EnforceResultExpiry},
		service.WithLogger(logger), service.WithMetrics(m))

	var lim limiter.Limiter = limiter.Nop{}
	if cfg.LimiterEnabled {
		lim = limiter.NewPG(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlockFor)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(broker, logger,
			httpserver.WithLimiter(lim),
			httpserver.WithMetrics(m),
			httpserver.WithGatherer(reg),
			httpserver.WithTrustProxyHeaders(cfg.TrustProxyHeaders),
		).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
