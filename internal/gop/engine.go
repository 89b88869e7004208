package gop

import (
	"log/slog"
	"sync"
)

// Config holds the single cache_time directive plus the forward-compatible
// latency_time field.
type Config struct {
	// CacheTimeMS is cache_time in milliseconds. Zero disables caching.
	CacheTimeMS uint32
	// LatencyTimeMS is accepted and stored but unused by this core; kept
	// for forward compatibility with a future latency-aware scheduler.
	LatencyTimeMS uint32
	// CacheCapacity bounds the cache ring independent of CacheTimeMS.
	// Zero defaults to 256.
	CacheCapacity int
}

// metaState is the default CodecState implementation: a single latched
// metadata frame plus a monotone version counter, mirroring the way
// Publisher latches aac_header/avc_header.
type metaState struct {
	mu      sync.RWMutex
	meta    *Frame
	version uint64
}

func (m *metaState) Meta() (*Frame, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, m.version
}

func (m *metaState) setMeta(f *Frame) {
	m.mu.Lock()
	m.meta = f
	m.version++
	m.mu.Unlock()
}

// Engine is the per-stream cache and fan-out engine: it owns the one
// Publisher context for a stream and every Subscriber attached to it.
type Engine struct {
	log    *slog.Logger
	arena  *Arena
	config Config
	codec  *metaState

	mu          sync.Mutex
	pub         *Publisher
	subscribers map[string]*Subscriber

	onClose []func(streamKey string)
}

// NewEngine returns an Engine for one stream. log may be nil, in which
// case slog.Default() is used, matching the convention the rest of this
// repository's internal packages follow.
func NewEngine(config Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:         log,
		arena:       NewArena(),
		config:      config,
		codec:       &metaState{},
		subscribers: make(map[string]*Subscriber),
	}
}

// SetMeta latches a new metadata frame and bumps its version, analogous
// to Publisher.relatch for aac_header/avc_header.
func (e *Engine) SetMeta(kind Kind, timestamp uint32, payload []byte, native any) {
	f := e.arena.New(kind, timestamp, payload, native, false, false)
	e.codec.setMeta(f)
}

// Cache admits one publisher frame, lazily allocating the publisher
// context on first call. Declined is returned when CacheTimeMS is zero
// (the feature is disabled for this app).
//
// afterDeliver, when non-nil, is invoked once per subscriber right after
// its Deliver call, id being the key it was registered under via
// Subscribe. Callers use this as the "kick": the point at which a
// subscriber's outbound queue should be drained to its transport.
func (e *Engine) Cache(kind Kind, timestamp uint32, payload []byte, native any, isAVHeader, isKeyframe bool, afterDeliver func(id string, sub *Subscriber)) (*Frame, error) {
	if e.config.CacheTimeMS == 0 {
		return nil, declined("cache")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pub == nil {
		capacity := e.config.CacheCapacity
		if capacity == 0 {
			capacity = 256
		}
		e.pub = NewPublisher(e.arena, capacity, e.config.CacheTimeMS)
	}

	f := e.arena.New(kind, timestamp, payload, native, isAVHeader, isKeyframe)
	if err := e.pub.CachePush(f); err != nil {
		e.log.Error("cache admission failed",
			"occupancy", e.pub.occupancy(), "capacity", e.pub.capacity)
		e.arena.Release(f)
		return nil, err
	}

	for id, sub := range e.subscribers {
		if err := sub.Deliver(e.pub, e.codec, e.config.CacheTimeMS, f); err != nil && !IsBackpressure(err) {
			e.log.Error("deliver failed", "error", err)
		}
		if afterDeliver != nil {
			afterDeliver(id, sub)
		}
	}

	return f, nil
}

// Snapshot walks the currently cached GOP in order, oldest first, calling
// fn with each occupied frame. It does not touch subscriber state; callers
// use it for one-off replay into a sink that isn't itself an Engine
// subscriber.
func (e *Engine) Snapshot(fn func(f *Frame)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pub == nil {
		return
	}
	for i := e.pub.GopPos(); i != e.pub.GopLast(); i = e.pub.slot(i + 1) {
		if f := e.pub.At(i); f != nil {
			fn(f)
		}
	}
}

// Subscribe creates a subscriber GOP context and runs its first Deliver
// call (the Pending-state header negotiation plus initial catch-up).
// queueCapacity should match the viewer's outbound buffer size.
func (e *Engine) Subscribe(id string, queueCapacity int) *Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := NewSubscriber(e.arena, queueCapacity)
	e.subscribers[id] = sub

	if e.pub != nil {
		_ = sub.Deliver(e.pub, e.codec, e.config.CacheTimeMS, nil)
	}
	return sub
}

// Redeliver re-runs Deliver for a previously backpressured subscriber,
// for callers that want to retry after their sender drains.
func (e *Engine) Redeliver(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscribers[id]
	if !ok || e.pub == nil {
		return declined("redeliver")
	}
	return sub.Deliver(e.pub, e.codec, e.config.CacheTimeMS, nil)
}

// Unsubscribe removes a subscriber's GOP context. There are no cache
// frames to release here: they are owned by the publisher.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subscribers[id]
	delete(e.subscribers, id)
	e.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// OnClose registers a hook run when Close is called, in registration
// order: this handler (and any earlier-registered one) must run before
// the distribution-layer registry removes the stream.
func (e *Engine) OnClose(fn func(streamKey string)) {
	e.onClose = append(e.onClose, fn)
}

// Close releases the publisher's cache and every latched header, then
// runs registered close hooks with streamKey.
func (e *Engine) Close(streamKey string) {
	e.mu.Lock()
	if e.pub != nil {
		e.pub.Close()
	}
	e.subscribers = make(map[string]*Subscriber)
	e.mu.Unlock()

	for _, fn := range e.onClose {
		fn(streamKey)
	}
}
