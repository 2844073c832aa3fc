// Package pipeline connects the ring channels to the store: one drain
// worker per ring decodes frames, a shared batcher accumulates events per
// destination table and hands batches to the single store writer.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/events"
	"github.com/N10h0ggr/gladix/pkg/store"
)

// BatchSink receives completed batches; satisfied by *store.Writer.
type BatchSink interface {
	Enqueue(store.Batch)
}

// BatcherConfig tunes the flush policy.
type BatcherConfig struct {
	FlushInterval time.Duration // max age of a batch counted from its first event
	MaxBatch      int           // flush when this many events have accumulated
}

func (c *BatcherConfig) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 1000
	}
}

type pending struct {
	events []events.Event
	first  time.Time
}

// Batcher accumulates decoded events per destination table and flushes a
// table's batch when it reaches MaxBatch events or when FlushInterval has
// elapsed since the batch's first event, whichever comes first. Empty
// batches never flush. Appends from multiple drain workers are serialized
// by a mutex.
type Batcher struct {
	cfg    BatcherConfig
	sink   BatchSink
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewBatcher builds a batcher flushing into sink.
func NewBatcher(sink BatchSink, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	cfg.applyDefaults()
	return &Batcher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("batcher"),
		pending: make(map[string]*pending),
	}
}

// Add appends one event to its table's batch, flushing on the size
// threshold.
func (b *Batcher) Add(ev events.Event) {
	table := ev.Kind().Table()
	if table == "" {
		return
	}
	b.mu.Lock()
	p := b.pending[table]
	if p == nil {
		p = &pending{events: make([]events.Event, 0, b.cfg.MaxBatch)}
		b.pending[table] = p
	}
	if len(p.events) == 0 {
		p.first = time.Now()
	}
	p.events = append(p.events, ev)
	var flush []events.Event
	if len(p.events) >= b.cfg.MaxBatch {
		flush = p.events
		p.events = make([]events.Event, 0, b.cfg.MaxBatch)
	}
	b.mu.Unlock()

	batchedEvents.WithLabelValues(table).Inc()
	if flush != nil {
		b.emit(table, flush)
	}
}

// Run flushes aged batches until ctx is cancelled, then performs one final
// flush of everything still pending.
func (b *Batcher) Run(ctx context.Context) {
	tick := b.cfg.FlushInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAged()
		case <-ctx.Done():
			b.Flush()
			return
		}
	}
}

func (b *Batcher) flushAged() {
	now := time.Now()
	b.mu.Lock()
	var ready []store.Batch
	for table, p := range b.pending {
		if len(p.events) > 0 && now.Sub(p.first) >= b.cfg.FlushInterval {
			ready = append(ready, store.Batch{Table: table, Events: p.events})
			p.events = make([]events.Event, 0, b.cfg.MaxBatch)
		}
	}
	b.mu.Unlock()
	for _, batch := range ready {
		b.emit(batch.Table, batch.Events)
	}
}

// Flush forces out every non-empty batch regardless of age or size.
func (b *Batcher) Flush() {
	b.mu.Lock()
	var ready []store.Batch
	for table, p := range b.pending {
		if len(p.events) > 0 {
			ready = append(ready, store.Batch{Table: table, Events: p.events})
			p.events = make([]events.Event, 0, b.cfg.MaxBatch)
		}
	}
	b.mu.Unlock()
	for _, batch := range ready {
		b.emit(batch.Table, batch.Events)
	}
}

func (b *Batcher) emit(table string, evs []events.Event) {
	batchesFlushed.WithLabelValues(table).Inc()
	b.sink.Enqueue(store.Batch{Table: table, Events: evs})
}
