// Package flowbus is the typed pub/sub "flow bus" connecting BlockStore
// and VFS/config/git backends to the clients and kernel components that
// watch them: BlockFlow carries per-context block change events,
// ConfigFlow carries config/file backend change events. Every event is
// tagged Local or Remote so subscribers can distinguish their own writes
// echoing back from genuinely external ones (spec.md §4.4).
//
// Grounded on _examples/homveloper-boss-raid-game/luvjson/crdtpubsub
// (pubsub.go, memory.go) for the topic/subscriber-map shape, adapted from
// synchronous per-subscriber handler calls to buffered channels with
// drop-oldest backpressure, since spec.md's flow bus explicitly requires
// that a slow subscriber can never block a publisher.
package flowbus

import (
	"context"
	"sync"

	"blockweave/internal/ids"
)

// Origin tags whether an event was produced by the local process or
// received from a remote peer, so subscribers can filter out echoes of
// their own writes.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// BlockEventKind names the shape of change a BlockEvent carries.
type BlockEventKind string

const (
	BlockEventInserted BlockEventKind = "inserted"
	BlockEventUpdated  BlockEventKind = "updated"
	BlockEventDeleted  BlockEventKind = "deleted"
	BlockEventMoved    BlockEventKind = "moved"
)

// BlockEvent is published whenever a BlockStore document's content
// changes, carrying enough to let a subscriber update its own view
// without re-fetching the whole document. Version is the document's
// monotonic mutation counter at the time of this event (spec.md §3
// invariant 6), letting a subscriber detect a gap in the events it
// has seen without re-fetching the document just to check.
type BlockEvent struct {
	Context ids.ContextId
	Block   ids.BlockId
	Kind    BlockEventKind
	Origin  Origin
	Version int
}

// ConfigEventKind names the shape of change a ConfigEvent carries.
type ConfigEventKind string

const (
	ConfigEventChanged         ConfigEventKind = "changed"
	ConfigEventValidationError ConfigEventKind = "validation_error"
)

// ConfigEvent is published by configbackend/gitbackend whenever a
// file-backed block's disk or CRDT state changes.
type ConfigEvent struct {
	Context ids.ContextId
	Block   ids.BlockId
	Path    string
	Kind    ConfigEventKind
	Origin  Origin
	Err     error
}

// defaultBufferSize bounds each subscriber's channel; once full, Publish
// drops the oldest queued event rather than blocking the publisher (spec
// §4.4: a stalled client must never stall the store).
const defaultBufferSize = 256

// Bus is a generic topic-keyed, drop-oldest, buffered-channel broadcaster.
// BlockFlow and ConfigFlow are both thin typed wrappers over one of these.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T
	bufferSize  int
}

// NewBus creates an empty bus. bufferSize <= 0 uses defaultBufferSize.
func NewBus[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus[T]{subscribers: make(map[string]map[string]chan T), bufferSize: bufferSize}
}

// Subscribe registers subscriberID on topic and returns a channel of
// events; Unsubscribe (or cancelling ctx) removes and closes it.
func (b *Bus[T]) Subscribe(ctx context.Context, topic, subscriberID string) <-chan T {
	b.mu.Lock()
	ch := make(chan T, b.bufferSize)
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan T)
	}
	b.subscribers[topic][subscriberID] = ch
	b.mu.Unlock()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(topic, subscriberID)
		}()
	}
	return ch
}

// Unsubscribe removes subscriberID from topic, closing its channel.
func (b *Bus[T]) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	if ch, ok := subs[subscriberID]; ok {
		close(ch)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
}

// Publish delivers event to every subscriber of topic. A subscriber whose
// channel is full has its oldest queued event dropped to make room, rather
// than backpressuring the publisher.
func (b *Bus[T]) Publish(topic string, event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close shuts down every subscription on the bus.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// BlockFlow is the BlockEvent-typed bus, topic-keyed by ContextId.
type BlockFlow struct{ bus *Bus[BlockEvent] }

func NewBlockFlow(bufferSize int) *BlockFlow { return &BlockFlow{bus: NewBus[BlockEvent](bufferSize)} }

func (f *BlockFlow) Subscribe(ctx context.Context, docContext ids.ContextId, subscriberID string) <-chan BlockEvent {
	return f.bus.Subscribe(ctx, docContext.String(), subscriberID)
}

func (f *BlockFlow) Unsubscribe(docContext ids.ContextId, subscriberID string) {
	f.bus.Unsubscribe(docContext.String(), subscriberID)
}

func (f *BlockFlow) Publish(event BlockEvent) { f.bus.Publish(event.Context.String(), event) }

func (f *BlockFlow) Close() { f.bus.Close() }

// ConfigFlow is the ConfigEvent-typed bus, topic-keyed by ContextId.
type ConfigFlow struct{ bus *Bus[ConfigEvent] }

func NewConfigFlow(bufferSize int) *ConfigFlow {
	return &ConfigFlow{bus: NewBus[ConfigEvent](bufferSize)}
}

func (f *ConfigFlow) Subscribe(ctx context.Context, docContext ids.ContextId, subscriberID string) <-chan ConfigEvent {
	return f.bus.Subscribe(ctx, docContext.String(), subscriberID)
}

func (f *ConfigFlow) Unsubscribe(docContext ids.ContextId, subscriberID string) {
	f.bus.Unsubscribe(docContext.String(), subscriberID)
}

func (f *ConfigFlow) Publish(event ConfigEvent) { f.bus.Publish(event.Context.String(), event) }

func (f *ConfigFlow) Close() { f.bus.Close() }
