package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig wires a Redis Pub/Sub relay.
type RedisConfig struct {
	Client            redis.UniversalClient
	Channels          Channels
	ReconnectInterval time.Duration
	Log               *zap.Logger
	Metrics           *Metrics
}

// RedisRelay carries the three channels over Redis Pub/Sub.
type RedisRelay struct {
	publisher

	client   redis.UniversalClient
	interval time.Duration
	log      *zap.Logger
	router   router

	mu     sync.Mutex
	active *redis.PubSub
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewRedisRelay builds a relay on an existing client. The client is not owned.
func NewRedisRelay(cfg RedisConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	channels := cfg.Channels.WithDefaults()
	r := &RedisRelay{
		client:   cfg.Client,
		interval: cfg.ReconnectInterval,
		log:      cfg.Log,
		router:   router{channels: channels, log: cfg.Log, metrics: cfg.Metrics},
	}
	r.publisher = publisher{
		channels: channels,
		metrics:  cfg.Metrics,
		send: func(ctx context.Context, channel string, payload []byte) error {
			return r.client.Publish(ctx, channel, payload).Err()
		},
	}
	return r, nil
}

// Subscribe blocks until all three channels are confirmed, then receives in
// the background. A lost subscription is rebuilt every ReconnectInterval.
func (r *RedisRelay) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("relay handler is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transportErr("subscribe", errors.New("relay closed"))
	}
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("relay already subscribed")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	ps, err := r.subscribe(ctx, h)
	if err != nil {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		return err
	}
	if !r.setActive(ps) {
		cancel()
		return transportErr("subscribe", errors.New("relay closed"))
	}

	// A blocked read does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, r.closeActive)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		r.receive(ctx, ps, h)
	}()
	r.log.Info("relay subscribed", zap.Strings("channels", r.channels.all()))
	return nil
}

func (r *RedisRelay) subscribe(ctx context.Context, h Handler) (*redis.PubSub, error) {
	channels := r.channels.all()
	ps := r.client.Subscribe(ctx, channels...)
	for confirmed := 0; confirmed < len(channels); {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, transportErr("subscribe", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			r.router.route(ctx, h, m.Channel, []byte(m.Payload))
		}
	}
	return ps, nil
}

func (r *RedisRelay) receive(ctx context.Context, ps *redis.PubSub, h Handler) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err == nil {
			r.router.route(ctx, h, msg.Channel, []byte(msg.Payload))
			continue
		}
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("relay subscription lost", zap.Error(err))
		if ps = r.resubscribe(ctx, h); ps == nil {
			return
		}
	}
}

func (r *RedisRelay) resubscribe(ctx context.Context, h Handler) *redis.PubSub {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ps, err := r.subscribe(ctx, h)
		if err != nil {
			r.log.Warn("relay resubscribe failed", zap.Error(err))
			continue
		}
		if !r.setActive(ps) {
			return nil
		}
		if ctx.Err() != nil {
			r.closeActive()
			return nil
		}
		r.metrics.RecordReconnect()
		r.log.Info("relay resubscribed", zap.Strings("channels", r.channels.all()))
		return ps
	}
}

func (r *RedisRelay) setActive(ps *redis.PubSub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = ps.Close()
		return false
	}
	r.active = ps
	return true
}

func (r *RedisRelay) closeActive() {
	r.mu.Lock()
	ps := r.active
	r.active = nil
	r.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

// Close stops receiving. Publishing after Close still reaches Redis because
// the client belongs to the caller.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.closeActive()
	r.wg.Wait()
	return nil
}
