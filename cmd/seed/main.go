// Command seed loads a riddle set into the database and, optionally, uploads the
// media the riddles reference into object storage.
package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/content"
	"quest-bot/internal/logger"
	"quest-bot/internal/storage"
	"quest-bot/internal/store/backend"
)

func main() {
	cmd := &cli.Command{
		Name:  "seed",
		Usage: "load riddles and their media",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "riddles", Value: "riddles.yaml", Usage: "riddle set to load"},
			&cli.StringFlag{Name: "media", Usage: "directory uploaded to object storage, paths kept relative"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	_ = godotenv.Load()

	// the seeder needs no bot token, so env is parsed without FromEnv's checks
	cfg, err := config.FromEnvNoToken()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = lg.Sync() }()

	if err := seedRiddles(ctx, cfg, c.String("riddles"), lg); err != nil {
		return errors.Wrap(err, "seed riddles")
	}
	if dir := c.String("media"); dir != "" {
		if err := uploadMedia(ctx, cfg, dir, lg); err != nil {
			return errors.Wrap(err, "upload media")
		}
	}
	return nil
}

func seedRiddles(ctx context.Context, cfg config.Config, path string, lg *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read riddles")
	}
	riddles, err := content.LoadRiddles(raw)
	if err != nil {
		return err
	}
	if len(riddles) != cfg.StageCount {
		lg.Warn("riddle count differs from STAGE_COUNT", zap.Int("riddles", len(riddles)), zap.Int("stages", cfg.StageCount))
	}

	db, err := backend.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	for _, r := range riddles {
		if err := db.PutRiddle(ctx, r); err != nil {
			return errors.Wrapf(err, "put riddle %d", r.ID)
		}
		lg.Info("riddle stored", zap.Int("id", r.ID), zap.String("kind", string(r.Kind)), zap.Int("messages", len(r.Messages)))
	}
	return nil
}

func uploadMedia(ctx context.Context, cfg config.Config, dir string, lg *zap.Logger) error {
	var (
		blobs storage.Blobs
		err   error
	)
	switch {
	case cfg.StorageBucket != "":
		blobs, err = storage.NewGCS(ctx, cfg.GoogleServiceAccountJSON, cfg.StorageBucket)
	case cfg.StorageDir != "":
		blobs, err = storage.NewDir(cfg.StorageDir)
	default:
		return errors.New("neither STORAGE_BUCKET nor STORAGE_DIR is set")
	}
	if err != nil {
		return err
	}

	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if err := blobs.Put(ctx, key, data); err != nil {
			return err
		}
		lg.Info("media uploaded", zap.String("path", key), zap.Int("bytes", len(data)))
		return nil
	})
}
