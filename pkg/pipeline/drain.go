package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/events"
	"github.com/N10h0ggr/gladix/pkg/ringbuf"
)

// DrainConfig tunes one drain worker.
type DrainConfig struct {
	BackoffMin  time.Duration // sleep after an empty poll
	BackoffMax  time.Duration // cap for the doubling backoff
	DrainWindow time.Duration // bounded final drain after shutdown
}

func (c *DrainConfig) applyDefaults() {
	if c.BackoffMin <= 0 {
		c.BackoffMin = 2 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 50 * time.Millisecond
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 2 * time.Second
	}
}

// DrainWorker is the single consumer of one ring channel: it pulls frames,
// decodes them for its kind, and forwards decoded events to the batcher.
// Exactly one worker may drain a given ring.
type DrainWorker struct {
	ring    *ringbuf.Ring
	kind    events.Kind
	batcher *Batcher
	cfg     DrainConfig
	logger  *zap.Logger
}

// NewDrainWorker builds a worker for one ring.
func NewDrainWorker(ring *ringbuf.Ring, kind events.Kind, batcher *Batcher, cfg DrainConfig, logger *zap.Logger) *DrainWorker {
	cfg.applyDefaults()
	return &DrainWorker{
		ring:    ring,
		kind:    kind,
		batcher: batcher,
		cfg:     cfg,
		logger:  logger.Named("drain").With(zap.String("kind", kind.String())),
	}
}

// Run polls the ring with a doubling backoff while it is empty. On ctx
// cancellation the worker drains whatever the ring still holds, bounded by
// DrainWindow, then returns. Malformed frames and desyncs are counted and
// logged, never fatal.
func (w *DrainWorker) Run(ctx context.Context) {
	w.logger.Info("drain worker started")
	buf := make([]byte, 4096)
	backoff := w.cfg.BackoffMin

	for {
		drained := w.step(buf)
		if drained {
			backoff = w.cfg.BackoffMin
			continue
		}
		select {
		case <-ctx.Done():
			w.finalDrain(buf)
			w.logger.Info("drain worker stopped", zap.Uint32("ring_dropped", w.ring.Dropped()))
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
		}
	}
}

// step consumes at most one frame; it reports whether the ring had data.
func (w *DrainWorker) step(buf []byte) bool {
	frame, err := w.ring.Read(buf)
	if err != nil {
		if errors.Is(err, ringbuf.ErrDesync) {
			desyncs.WithLabelValues(w.kind.String()).Inc()
			w.logger.Warn("ring desynchronized, resumed at head",
				zap.Uint32("dropped_total", w.ring.Dropped()))
		}
		return true
	}
	if frame == nil {
		return false
	}

	ev, err := events.Decode(w.kind, frame)
	if err != nil {
		// The framing can't be trusted past a malformed frame: treat it as
		// channel corruption and resume at head.
		lost := w.ring.Reset()
		decodeErrors.WithLabelValues(w.kind.String()).Inc()
		w.logger.Warn("malformed frame, ring reset",
			zap.Error(err), zap.Uint32("estimated_lost", lost))
		return true
	}
	decodedEvents.WithLabelValues(w.kind.String()).Inc()
	w.batcher.Add(ev)
	return true
}

func (w *DrainWorker) finalDrain(buf []byte) {
	deadline := time.Now().Add(w.cfg.DrainWindow)
	for time.Now().Before(deadline) {
		if !w.step(buf) {
			return
		}
	}
	w.logger.Warn("drain window expired with data remaining", zap.Int("bytes_left", w.ring.Len()))
}
