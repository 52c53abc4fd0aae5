// Package main provides the estimation room server: the WebSocket endpoint,
// the read-only HTTP API and the gRPC admin service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/admin"
	"github.com/teampoint/teampoint/internal/config"
	"github.com/teampoint/teampoint/internal/frontend/ws"
	"github.com/teampoint/teampoint/internal/game/cards"
	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/game/session"
	"github.com/teampoint/teampoint/internal/gameserver"
	"github.com/teampoint/teampoint/internal/observability"
	"github.com/teampoint/teampoint/internal/server"
	"github.com/teampoint/teampoint/internal/storage"
	"github.com/teampoint/teampoint/internal/storage/file"
	"github.com/teampoint/teampoint/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and TEAMPOINT_* environment")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration, if present")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	gin.SetMode(gin.ReleaseMode)
	ctx := context.Background()

	deck, err := loadDeck(cfg.Cards)
	if err != nil {
		logger.Fatal("loading card deck", zap.Error(err))
	}
	logger.Info("card deck loaded", zap.Ints("faces", deck.Faces()))

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening snapshot store", zap.Error(err))
	}
	defer closeStore()

	registry := room.NewRegistry()
	recoverStart := time.Now()
	snap, err := storage.Recover(ctx, store, registry)
	if err != nil {
		logger.Fatal("recovering registry", zap.Error(err))
	}
	logger.Info("registry recovered",
		zap.String("backend", cfg.Persistence.Backend),
		zap.Int("rooms", len(snap.Rooms)),
		zap.Uint64("revision", snap.Revision),
		zap.Duration("elapsed", time.Since(recoverStart)),
	)

	writeBack := storage.NewWriteBack(store, registry, cfg.Persistence.FlushInterval, clockwork.NewRealClock(), logger)
	hub := ws.NewHub(logger)
	handler := gameserver.NewHandler(registry, session.NewManager(), hub, deck, writeBack, logger)
	httpServer := ws.NewServer(cfg.HTTP, cfg.WebSocket, hub, handler, registry, deck, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("write-back", writeBack)
	lifecycle.Add("http", &server.FuncService{
		StartFn: httpServer.ListenAndServe,
		StopFn:  httpServer.Stop,
	})
	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Admin, admin.NewService(registry, handler, logger), logger)
		lifecycle.Add("admin", adminServer)
	}

	logger.Info("server initialized",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.Bool("admin_enabled", cfg.Admin.Enabled),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.Strings("services", lifecycle.Names()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func loadDeck(cfg config.CardsConfig) (*cards.Deck, error) {
	if cfg.DeckFile == "" {
		return cards.Default(), nil
	}
	return cards.LoadFromFile(cfg.DeckFile)
}

// openStore builds the configured snapshot backend. The returned func
// releases its resources.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	switch cfg.Persistence.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), func() {}, nil
	case config.BackendFile:
		return file.New(cfg.Persistence.FilePath), func() {}, nil
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.Database.DSN()); err != nil {
			return nil, nil, err
		}
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return postgres.NewSnapshotStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}
