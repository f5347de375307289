package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"quizlive/internal/app"
	"quizlive/internal/config"
	"quizlive/internal/infra/filestore"
	"quizlive/internal/infra/logger"
	"quizlive/internal/infra/memory"
	"quizlive/internal/infra/postgres"
	redisstore "quizlive/internal/infra/redis"
	transport "quizlive/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends holds the infrastructure picked from config.
type backends struct {
	snapshots app.SnapshotStore
	quizzes   app.QuizRepository
	runs      app.RunRecorder
	closers   []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	var (
		loader memory.QuizLoader
		db     *bun.DB
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		loader = postgres.NewQuizLoader(pool)

		db = postgres.OpenBun(cfg.Postgres.URL)
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.runs = postgres.NewRunRecorder(db)
	} else {
		loader = filestore.NewQuizLoader(cfg.Quiz.Dir)
		b.runs = memory.NewRunRecorder()
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if redisClient != nil {
		b.quizzes = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		b.quizzes = memory.NewQuizRepository(loader, quizTTL)
	}

	switch cfg.Session.SnapshotBackend {
	case config.BackendRedis:
		if redisClient == nil {
			b.close()
			return nil, errors.New("session.snapshot_backend is redis but redis.addr is not configured")
		}
		ttl := config.TTLDuration(cfg.Session.SnapshotTTL, config.TTLDuration(cfg.Redis.TTL, 0))
		b.snapshots = redisstore.NewSnapshotStore(redisClient, ttl)
	case config.BackendMemory:
		b.snapshots = memory.NewSnapshotStore()
	case config.BackendFile:
		files, err := filestore.NewSnapshotStore(cfg.Session.SnapshotDir)
		if err != nil {
			b.close()
			return nil, err
		}
		b.snapshots = files
	default:
		b.close()
		return nil, fmt.Errorf("unknown session.snapshot_backend %q", cfg.Session.SnapshotBackend)
	}

	log.Info("backends ready",
		"snapshots", cfg.Session.SnapshotBackend,
		"redis", redisClient != nil,
		"postgres", db != nil,
	)
	return b, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Init(cfg.Log.Format, cfg.Log.Level)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	hub := transport.NewHub(log)
	store := app.NewStore(b.snapshots, app.StoreOptions{
		IdleTimeout: config.TTLDuration(cfg.Session.IdleTimeout, app.DefaultIdleTimeout),
		Logger:      log,
		OnExpire:    hub.Expire,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error("snapshot flush failed", "err", err)
		}
	}()

	supervisor := app.NewSupervisor(store, config.TTLDuration(cfg.Session.SweepInterval, app.DefaultSweepInterval), log)
	if err := supervisor.Restore(ctx); err != nil {
		return err
	}

	service := app.NewService(store, b.quizzes, b.runs, log)
	auth := transport.NewAuthenticator(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 12*time.Hour))
	if cfg.Auth.Secret == "" {
		log.Warn("auth.secret is empty: quizmaster tokens are disabled and no room can be started")
	}
	ws := transport.NewWSHandler(service, hub, auth, transport.WSOptions{
		PingInterval: config.TTLDuration(cfg.WebSocket.PingInterval, 30*time.Second),
		WriteTimeout: config.TTLDuration(cfg.WebSocket.WriteTimeout, 10*time.Second),
		SendBuffer:   cfg.WebSocket.SendBuffer,
	}, log)

	router := transport.NewRouter(transport.RouterDeps{
		Service:   service,
		Hub:       hub,
		Auth:      auth,
		WS:        ws,
		PublicURL: cfg.Server.PublicURL,
		Logger:    log,
	})
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:      config.TTLDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting quiz room server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
