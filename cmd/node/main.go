package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/auth"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/config"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/logging"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/persistence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/relay"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/server"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/tlsutil"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.NodeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.JWTSecret()
	if err != nil {
		logger.Fatal("jwt secret unavailable", zap.Error(err))
	}
	verifier, err := auth.NewVerifier(secret)
	if err != nil {
		logger.Fatal("init token verifier", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	b, err := boot(context.Background(), cfg, logger, relay.NewMetrics(reg))
	if err != nil {
		logger.Fatal("connect backends", zap.Error(err))
	}

	store := presence.NewRedisStore(b.redis, cfg.Presence)
	var authz auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.RequireMembership {
		authz = auth.RosterAuthorizer{Store: store}
	}

	srv, err := server.NewNodeServer(cfg, logger, server.Dependencies{
		Store:      store,
		Relay:      b.relay,
		Saver:      b.db,
		Verifier:   verifier,
		Authorizer: authz,
		Registry:   reg,
	})
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	go func() {
		if err := srv.Start(context.Background()); err != nil {
			logger.Fatal("server exited with error", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownGracePeriod, map[string]gfshutdown.Operation{
		"chat-node": func(ctx context.Context) error {
			srv.Shutdown(ctx)
			return b.close()
		},
	})
	exitCode := <-wait
	logger.Info("node exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}

type backends struct {
	redis *redis.Client
	relay relay.Relay
	db    *persistence.Store
}

// boot connects Redis, the relay transport and the database concurrently.
// Any failure aborts startup.
func boot(ctx context.Context, cfg config.Config, log *zap.Logger, metrics *relay.Metrics) (*backends, error) {
	redisTLS, err := tlsutil.Load(cfg.Redis.TLS)
	if err != nil {
		return nil, fmt.Errorf("redis tls: %w", err)
	}
	relayTLS, err := tlsutil.Load(cfg.Relay.TLS)
	if err != nil {
		return nil, fmt.Errorf("relay tls: %w", err)
	}

	var b backends
	var natsRelay *relay.NATSRelay
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		client, err := presence.Dial(gctx, presence.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      redisTLS,
		})
		if err != nil {
			return err
		}
		b.redis = client
		log.Info("connected to redis", zap.String("address", cfg.Redis.Address))
		return nil
	})
	g.Go(func() error {
		db, err := persistence.Open(cfg.Persistence.DSN, log.Named("persistence"))
		if err != nil {
			return err
		}
		b.db = db
		return nil
	})
	if cfg.Relay.Driver == config.RelayDriverNATS {
		g.Go(func() error {
			rel, err := relay.DialNATS(relay.NATSConfig{
				URL:               cfg.Relay.NATSURL,
				Name:              cfg.NodeName,
				TLS:               relayTLS,
				Channels:          cfg.Relay.Channels,
				ReconnectInterval: cfg.Relay.ReconnectInterval,
				Log:               log.Named("relay"),
				Metrics:           metrics,
			})
			if err != nil {
				return err
			}
			natsRelay = rel
			log.Info("connected to nats", zap.String("url", cfg.Relay.NATSURL))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if natsRelay != nil {
			b.relay = natsRelay
		}
		_ = b.close()
		return nil, err
	}

	if natsRelay != nil {
		b.relay = natsRelay
		return &b, nil
	}
	rel, err := relay.NewRedisRelay(relay.RedisConfig{
		Client:            b.redis,
		Channels:          cfg.Relay.Channels,
		ReconnectInterval: cfg.Relay.ReconnectInterval,
		Log:               log.Named("relay"),
		Metrics:           metrics,
	})
	if err != nil {
		_ = b.close()
		return nil, err
	}
	b.relay = rel
	return &b, nil
}

func (b *backends) close() error {
	var errs []error
	if b.relay != nil {
		errs = append(errs, b.relay.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}
