package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-iot-poller/internal/config"
	"github.com/septivank/water-iot-poller/internal/db"
	"github.com/septivank/water-iot-poller/internal/device"
	"github.com/septivank/water-iot-poller/internal/logging"
	"github.com/septivank/water-iot-poller/internal/mq"
	"github.com/septivank/water-iot-poller/internal/ondus"
	"github.com/septivank/water-iot-poller/internal/repository"
	"github.com/septivank/water-iot-poller/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startPoller(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	sess *ondus.Session,
	repo *repository.Repository,
	svc *service.Service,
) error {
	// Context for the poll loop that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := bootstrapSession(startCtx, cfg, logger, sess, repo); err != nil {
				cancel()
				return err
			}

			devices, err := svc.Discover(startCtx)
			if err != nil {
				cancel()
				return err
			}

			logger.Info("starting poll loop",
				zap.Int("devices", len(devices)),
				zap.Duration("interval", cfg.Poll.Interval))

			wg.Add(1)
			go func() {
				defer wg.Done()
				runPollLoop(ctx, cfg.Poll.Interval, logger, svc)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			wg.Wait()
			logger.Info("poller stopped gracefully")
			return nil
		},
	})

	return nil
}

// bootstrapSession restores a persisted credential when its refresh window
// is still open, otherwise logs in from scratch with whatever primary
// credential the configuration carries.
func bootstrapSession(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	sess *ondus.Session,
	repo *repository.Repository,
) error {
	account := credentialAccount(cfg)

	cred, err := repo.LoadCredential(ctx, account)
	if err != nil {
		logger.Warn("failed to load persisted credential, falling back to login", zap.Error(err))
	}
	if cred != nil && cred.RefreshValid(time.Now()) {
		sess.Restore(cred)
		logger.Info("restored persisted credential", zap.String("account", account))
		return nil
	}

	if cfg.Ondus.RefreshToken != "" {
		logger.Info("bootstrapping session from configured refresh token")
		return sess.LoginWithRefreshToken(ctx, cfg.Ondus.RefreshToken)
	}
	logger.Info("logging in with primary credentials", zap.String("account", account))
	return sess.Login(ctx, cfg.Ondus.Username, cfg.Ondus.Password)
}

func runPollLoop(ctx context.Context, interval time.Duration, logger *zap.Logger, svc *service.Service) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		log := logging.WithPollID(logger, uuid.New().String())
		log.Debug("starting poll sweep")
		if err := svc.UpdateAll(ctx); err != nil {
			if ondus.IsAuthError(err, ondus.AuthExpired) {
				log.Error("session expired, interactive re-login required", zap.Error(err))
			} else {
				log.Error("poll sweep finished with errors", zap.Error(err))
			}
			return
		}
		log.Debug("poll sweep completed")
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			logger.Info("poll loop context cancelled, stopping")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func credentialAccount(cfg *config.Config) string {
	if cfg.Ondus.Username != "" {
		return cfg.Ondus.Username
	}
	return "default"
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new credential repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.ReadingExchange, logger)
}

// ProvideSession creates the authenticated vendor session
func ProvideSession(cfg *config.Config, logger *zap.Logger, repo *repository.Repository) *ondus.Session {
	account := credentialAccount(cfg)
	return ondus.NewSession(ondus.SessionConfig{
		BaseURL:     cfg.Ondus.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.Ondus.HTTPTimeout},
		Logger:      logger,
		BackoffBase: cfg.Ondus.BackoffBase,
		BackoffCap:  cfg.Ondus.BackoffCap,
		OnRefresh: func(ctx context.Context, cred *ondus.Credential) error {
			return repo.SaveCredential(ctx, account, cred)
		},
	})
}

// ProvideClient creates the typed appliance client
func ProvideClient(sess *ondus.Session, logger *zap.Logger) *ondus.Client {
	return ondus.NewClient(sess, logger)
}

// ProvideService creates the host-facing device service
func ProvideService(client *ondus.Client, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *service.Service {
	readerCfg := device.ReaderConfig{
		MinRefetch: cfg.Poll.MinRefetch,
		PollWindow: cfg.Poll.Window,
	}
	return service.NewService(client, publisher, logger, readerCfg, cfg.RabbitMQ.ReadingRoutingKey)
}
