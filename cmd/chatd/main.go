package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/auth"
	"github.com/noah-isme/gema-chat/internal/bus"
	"github.com/noah-isme/gema-chat/internal/client"
	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/retry"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/pkg/avatarstore"
)

// backendDeps holds the connections of a configured backend.
type backendDeps struct {
	store    *repository.ChatStore
	bus      *bus.Bus
	provider *auth.LocalProvider
	cache    *redis.Client
	closers  []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)

	stateDB, err := database.ConnectSQLite(cfg.StatePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open client state")
	}
	state := repository.NewClientStateRepository(stateDB)
	if err := state.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate client state")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	gatewayOpts := gateway.Options{
		Policy:          retryPolicy(cfg),
		DefaultRoomName: cfg.DefaultRoomName,
		ProfileCacheTTL: cfg.ProfileCacheTTL,
	}
	if cfg.AvatarUploadsEnabled() {
		avatars, err := avatarstore.New(avatarstore.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create avatar store")
		}
		gatewayOpts.Avatars = avatars
	}

	var (
		gw         *gateway.Gateway
		realtimeBy *realtime.Router
		bearer     fiber.Handler
	)
	if cfg.BackendConfigured() {
		deps, err := connectBackend(cfg, state, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect chat backend")
		}
		defer func() {
			for i := len(deps.closers) - 1; i >= 0; i-- {
				deps.closers[i]()
			}
		}()

		gw = gateway.New(deps.store, deps.provider, deps.cache, validate, gatewayOpts, logger)
		realtimeBy = realtime.NewRouter(deps.bus, gw, logger)
		bearer = middleware.Bearer(deps.provider)
	} else {
		logger.Warn().Msg(gateway.NotConfiguredMessage)
		gw = gateway.New(nil, nil, nil, validate, gatewayOpts, logger)
		idle := bus.New(bus.NewMemoryTransport(), nil, bus.Options{}, logger)
		realtimeBy = realtime.NewRouter(idle, gw, logger)
	}

	chat := client.New(gw, realtimeBy, state, logger)
	chat.Start(context.Background())
	defer chat.Close()

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    8 << 20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		SessionHandler:      handler.NewSessionHandler(chat.Session, validate, logger),
		ConversationHandler: handler.NewConversationHandler(chat.Conversation, validate, logger),
		PresenceHandler:     handler.NewPresenceHandler(chat.Presence),
		ProfileHandler:      handler.NewProfileHandler(chat, logger),
		StreamHandler:       handler.NewStreamHandler(chat.Session, chat.Conversation, chat.Presence, logger),
		BearerMiddleware:    bearer,
		Logger:              logger,
	})

	go func() {
		logger.Info().Str("addr", cfg.APIAddress).Msg("local api listening")
		if err := app.Listen(cfg.APIAddress); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.AppEnv == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()
}

func retryPolicy(cfg config.Config) retry.Policy {
	policy := retry.Default().WithRetries(cfg.RetryMaxRetries)
	policy.InitialDelay = cfg.RetryInitialDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	return policy
}

// connectBackend opens the datastore, the realtime bus and the auth provider.
func connectBackend(cfg config.Config, state *repository.ClientStateRepository, logger zerolog.Logger) (*backendDeps, error) {
	deps := &backendDeps{}

	db, err := database.ConnectBackend(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		deps.cache, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		cache := deps.cache
		deps.closers = append(deps.closers, func() { _ = cache.Close() })
	}

	var transport bus.Transport
	switch cfg.RealtimeDriver {
	case config.RealtimeDriverRedis:
		if deps.cache == nil {
			return nil, fmt.Errorf("realtime driver %q requires CHAT_REDIS_URL", cfg.RealtimeDriver)
		}
		transport = bus.NewRedisTransport(deps.cache, logger)
	case config.RealtimeDriverNATS:
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, func() { drainNATS(conn, logger) })
		transport = bus.NewNATSTransport(conn, logger)
	default:
		memory := bus.NewMemoryTransport()
		deps.closers = append(deps.closers, func() { _ = memory.Close() })
		transport = memory
	}

	var presence bus.PresenceStore = bus.NewMemoryPresenceStore()
	if deps.cache != nil {
		presence = bus.NewRedisPresenceStore(deps.cache)
	}

	deps.bus = bus.New(transport, presence, bus.Options{PresenceTTL: cfg.PresenceTTL}, logger)

	deps.store = repository.NewChatStore(db, deps.bus, logger)
	if err := deps.store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	accounts := repository.NewAccountRepository(db)
	if err := accounts.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate accounts: %w", err)
	}

	deps.provider, err = auth.NewLocalProvider(accounts, state, auth.Options{
		Secret:              cfg.JWTSecret,
		Issuer:              cfg.AppName,
		SessionTTL:          cfg.SessionTTL,
		RequireConfirmation: cfg.RequireConfirmation,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("realtime_driver", cfg.RealtimeDriver).
		Bool("redis", deps.cache != nil).
		Msg("chat backend connected")
	return deps, nil
}

func drainNATS(conn *nats.Conn, logger zerolog.Logger) {
	if err := conn.Drain(); err != nil {
		logger.Warn().Err(err).Msg("failed to drain nats connection")
		conn.Close()
	}
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
