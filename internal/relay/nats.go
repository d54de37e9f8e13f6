package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig wires a NATS relay.
type NATSConfig struct {
	URL               string
	Name              string
	TLS               *tls.Config
	Channels          Channels
	ReconnectInterval time.Duration
	FlushTimeout      time.Duration
	Log               *zap.Logger
	Metrics           *Metrics
}

// NATSRelay carries the three channels as NATS subjects. The client library
// reconnects indefinitely and replays subscriptions before delivery resumes.
type NATSRelay struct {
	publisher

	nc           *nats.Conn
	log          *zap.Logger
	router       router
	flushTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects to the NATS server and returns a relay that owns the connection.
func DialNATS(cfg NATSConfig) (*NATSRelay, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	log := cfg.Log
	metrics := cfg.Metrics

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("relay disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.RecordReconnect()
			log.Info("relay reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, nats.Secure(cfg.TLS))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, transportErr("connect "+cfg.URL, err)
	}
	return newNATSRelay(nc, cfg), nil
}

func newNATSRelay(nc *nats.Conn, cfg NATSConfig) *NATSRelay {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	channels := cfg.Channels.WithDefaults()
	r := &NATSRelay{
		nc:           nc,
		log:          cfg.Log,
		router:       router{channels: channels, log: cfg.Log, metrics: cfg.Metrics},
		flushTimeout: cfg.FlushTimeout,
	}
	r.publisher = publisher{
		channels: channels,
		metrics:  cfg.Metrics,
		send: func(_ context.Context, subject string, payload []byte) error {
			return r.nc.Publish(subject, payload)
		},
	}
	return r
}

// Subscribe registers h on all three subjects and flushes so the server has
// processed them before returning.
func (r *NATSRelay) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("relay handler is required")
	}
	subs := make([]*nats.Subscription, 0, 3)
	for _, subject := range r.channels.all() {
		sub, err := r.nc.Subscribe(subject, func(m *nats.Msg) {
			r.router.route(ctx, h, m.Subject, m.Data)
		})
		if err != nil {
			unsubscribeAll(subs)
			return transportErr("subscribe "+subject, err)
		}
		subs = append(subs, sub)
	}
	if err := r.nc.FlushTimeout(r.flushTimeout); err != nil {
		unsubscribeAll(subs)
		return transportErr("subscribe", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, subs...)
	r.mu.Unlock()
	context.AfterFunc(ctx, func() { unsubscribeAll(subs) })
	r.log.Info("relay subscribed", zap.Strings("channels", r.channels.all()))
	return nil
}

func (r *NATSRelay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	unsubscribeAll(subs)
	r.nc.Close()
	return nil
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
