package relay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process transport. Relays connected to the same Bus behave like
// nodes sharing one Pub/Sub server; delivery is synchronous with Publish.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]busSub
	failErr error
}

type busSub struct {
	ctx    context.Context
	h      Handler
	router router
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]busSub)}
}

// FailWith makes every publish fail with err until called with nil.
func (b *Bus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

func (b *Bus) publish(channel string, payload []byte) error {
	b.mu.RLock()
	if b.failErr != nil {
		err := b.failErr
		b.mu.RUnlock()
		return err
	}
	targets := make([]busSub, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.router.route(s.ctx, s.h, channel, payload)
	}
	return nil
}

func (b *Bus) add(s busSub) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	return b.nextID
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// MemoryConfig wires a relay endpoint on a Bus.
type MemoryConfig struct {
	Channels Channels
	Log      *zap.Logger
	Metrics  *Metrics
}

// MemoryRelay is one node's endpoint on a Bus.
type MemoryRelay struct {
	publisher

	bus    *Bus
	router router

	mu  sync.Mutex
	ids []int
}

// Connect returns a new endpoint on the bus.
func (b *Bus) Connect(cfg MemoryConfig) *MemoryRelay {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	channels := cfg.Channels.WithDefaults()
	return &MemoryRelay{
		publisher: publisher{
			channels: channels,
			metrics:  cfg.Metrics,
			send: func(_ context.Context, channel string, payload []byte) error {
				return b.publish(channel, payload)
			},
		},
		bus:    b,
		router: router{channels: channels, log: cfg.Log, metrics: cfg.Metrics},
	}
}

func (r *MemoryRelay) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("relay handler is required")
	}
	id := r.bus.add(busSub{ctx: ctx, h: h, router: r.router})
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	context.AfterFunc(ctx, func() { r.bus.remove(id) })
	return nil
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	ids := r.ids
	r.ids = nil
	r.mu.Unlock()
	for _, id := range ids {
		r.bus.remove(id)
	}
	return nil
}
