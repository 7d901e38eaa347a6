package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quest-bot/internal/admin"
	"quest-bot/internal/config"
	"quest-bot/internal/content"
	"quest-bot/internal/logger"
	"quest-bot/internal/maze"
	"quest-bot/internal/quest"
	"quest-bot/internal/registration"
	"quest-bot/internal/repo"
	"quest-bot/internal/router"
	"quest-bot/internal/server"
	"quest-bot/internal/session"
	"quest-bot/internal/session/redisstore"
	"quest-bot/internal/sheets"
	"quest-bot/internal/storage"
	"quest-bot/internal/store/backend"
	"quest-bot/internal/tgbot"
	"quest-bot/internal/verification"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("bot stopped", zap.Error(err))
	}
	lg.Info("bye")
}

func run(cfg config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	texts, err := content.Load(cfg.ContentFile)
	if err != nil {
		return err
	}

	db, err := backend.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	r, err := repo.New(db, cfg)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisstore.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		lg.Info("flow contexts kept in redis", zap.String("addr", cfg.RedisAddr))
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	engine := quest.New(r, cfg, lg.Named("quest"))
	flows := router.Flows{
		Registration: registration.New(
			sessionStore[registration.Context](rdb, "reg", cfg.RegistrationTimeout),
			reservations(rdb, cfg.RegistrationTimeout),
			r, engine, cfg.RegistrationTimeout, lg.Named("registration"),
		),
		Verification: verification.New(
			sessionStore[verification.Context](rdb, "verify", 0),
			sessionStore[int64](rdb, "verify:team", 0),
			r, engine, cfg.AdminChatID, cfg.VerificationTimeout, lg.Named("verification"),
		),
		Maze: maze.New(sessionStore[maze.Context](rdb, "maze", 0), engine, texts.Maze, lg.Named("maze")),
	}

	// a nil *sheets.Client must not reach the Exporter interface
	var exporter admin.Exporter
	if cfg.SpreadsheetID != "" && cfg.GoogleServiceAccountJSON != "" {
		sc, err := sheets.FromServiceAccount(ctx, cfg.GoogleServiceAccountJSON, cfg.SpreadsheetID)
		if err != nil {
			return errors.Wrap(err, "sheets")
		}
		if err := sc.EnsureSheets(ctx); err != nil {
			lg.Warn("export tabs not prepared", zap.Error(err))
		}
		exporter = sc
	}
	flows.Admin = admin.New(r, cfg, exporter, lg.Named("admin"))

	rt := router.New(cfg, r, engine, flows, texts, lg.Named("router"))

	app, err := tgbot.New(cfg, rt, blobs, r.Members, lg.Named("tgbot"))
	if err != nil {
		return errors.Wrap(err, "telegram")
	}

	httpSrv := server.New(cfg, r.Teams, lg.Named("http"))
	go func() {
		lg.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server", zap.Error(err))
			stop()
		}
	}()

	if cfg.AdminChatID != 0 {
		if err := app.SendText(ctx, cfg.AdminChatID, "Бот запущен"); err != nil {
			lg.Warn("startup notice failed", zap.Error(err))
		}
	}

	err = app.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	lg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := app.Shutdown(shutdownCtx); serr != nil {
		lg.Warn("handlers still running", zap.Error(serr))
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	return err
}

func sessionStore[C any](rdb *redis.Client, prefix string, ttl time.Duration) session.Store[C] {
	if rdb == nil {
		return session.NewMemory[C]()
	}
	return redisstore.New[C](rdb, "quest:"+prefix, ttl)
}

func reservations(rdb *redis.Client, ttl time.Duration) session.Reservations {
	if rdb == nil {
		return session.NewMemoryReservations(ttl)
	}
	return redisstore.NewReservations(rdb, "quest:team-name", ttl)
}

// openBlobs prefers the GCS bucket, then a local directory. No storage leaves blobs nil.
func openBlobs(ctx context.Context, cfg config.Config) (storage.Blobs, error) {
	switch {
	case cfg.StorageBucket != "":
		g, err := storage.NewGCS(ctx, cfg.GoogleServiceAccountJSON, cfg.StorageBucket)
		if err != nil {
			return nil, errors.Wrap(err, "gcs")
		}
		return g, nil
	case cfg.StorageDir != "":
		d, err := storage.NewDir(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, nil
}
