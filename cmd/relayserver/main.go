package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/duel-relay/internal/config"
	"github.com/whisper/duel-relay/internal/coordinator"
	"github.com/whisper/duel-relay/internal/handler"
	"github.com/whisper/duel-relay/internal/logging"
	"github.com/whisper/duel-relay/internal/messaging"
	"github.com/whisper/duel-relay/internal/ratelimit"
	"github.com/whisper/duel-relay/internal/relay"
	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/internal/store/badgerstore"
	"github.com/whisper/duel-relay/internal/store/pgstore"
	"github.com/whisper/duel-relay/internal/store/redisstore"
	"github.com/whisper/duel-relay/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayserver: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayserver: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("set GOMAXPROCS", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("relay server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("duel relay starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("server_name", cfg.ServerName),
		zap.Bool("exclude_sender", cfg.ExcludeSender))

	store, redisClient, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}()

	var server *ws.Server
	sender := senderFunc(func(connID string, data []byte) error {
		return server.SendMessage(connID, data)
	})

	relayOpts := []relay.Option{relay.WithLogger(logger), relay.WithOrigin(cfg.ServerName)}
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = connectNATS(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		relayOpts = append(relayOpts, relay.WithBus(natsClient))
	}
	r := relay.New(sender, relayOpts...)

	coord, err := coordinator.New(store, r, cfg.Coordinator(), logger)
	if err != nil {
		return errors.Wrap(err, "create coordinator")
	}

	var handlerOpts []handler.Option
	if cfg.RateLimitEnabled && !cfg.RateLimiting() {
		logger.Warn("rate limiting disabled: no Redis configured for this store backend",
			zap.String("store", cfg.StoreBackend))
	}
	if cfg.RateLimiting() {
		if redisClient == nil {
			redisClient = redis.NewClient(cfg.Redis())
			defer func() { _ = redisClient.Close() }()
		}
		create, join, move := cfg.RateRules()
		handlerOpts = append(handlerOpts, handler.WithRateLimit(
			ratelimit.NewLimiter(redisClient, logger),
			handler.Rules{Create: create, Join: join, Move: move},
		))
	}

	dispatcher := ws.NewMessageDispatcher(logger)
	dispatcher.SetTimeout(cfg.HandlerTimeout)
	handler.New(coord, r, logger, handlerOpts...).Register(dispatcher)

	server = ws.NewServer(cfg.Server(), dispatcher.Dispatch, logger)
	server.SetOnDisconnect(r.UnsubscribeAll)
	server.AddHealthDetail("store", func() interface{} { return cfg.StoreBackend })
	server.AddHealthDetail("bus", func() interface{} {
		if natsClient == nil {
			return "disabled"
		}
		if natsClient.Connected() {
			return "connected"
		}
		return "disconnected"
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		if err := coord.Close(shutdownCtx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "flush pending state"))
		}
		return errs
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("duel relay stopped")
	return nil
}

// senderFunc adapts a function to relay.Sender.
type senderFunc func(connID string, data []byte) error

func (f senderFunc) SendMessage(connID string, data []byte) error {
	return f(connID, data)
}

// openStore opens the configured backend, retrying while it comes up. The
// Redis client is returned for reuse by the rate limiter when the backend is
// Redis.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.Store, *redis.Client, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("using in-memory session store; sessions are lost on restart")
		return session.NewMemoryStore(), nil, nil
	}
	if cfg.StoreBackend == config.BackendBadger {
		s, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}

	var (
		store  session.Store
		client *redis.Client
	)
	connect := func() error {
		switch cfg.StoreBackend {
		case config.BackendRedis:
			s, err := redisstore.Dial(ctx, cfg.Redis())
			if err != nil {
				return err
			}
			store, client = s, s.Client()
		case config.BackendPostgres:
			s, err := pgstore.Open(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			store = s
		default:
			return backoff.Permanent(errors.Newf("unknown store backend %q", cfg.StoreBackend))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("store unavailable, retrying",
			zap.String("backend", cfg.StoreBackend), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(connect, startupBackoff(ctx), notify); err != nil {
		return nil, nil, errors.Wrapf(err, "open %s store", cfg.StoreBackend)
	}
	return store, client, nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*messaging.NATSClient, error) {
	var client *messaging.NATSClient
	connect := func() error {
		c, err := messaging.NewNATSClient(cfg.NATS(), logger)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("nats unavailable, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(connect, startupBackoff(ctx), notify); err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return client, nil
}

func startupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return backoff.WithContext(b, ctx)
}
