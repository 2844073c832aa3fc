package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/events"
)

// Batch is one table's worth of decoded events, produced by the batcher and
// committed as a single transaction.
type Batch struct {
	Table  string
	Events []events.Event
}

// WriterConfig tunes the single serialized writer.
type WriterConfig struct {
	QueueSize          int           // bounded in-memory batch queue
	MaxAttempts        int           // commit attempts per batch
	RetryBackoff       time.Duration // initial backoff, doubles per attempt
	WALSizeLimit       int64         // force a checkpoint past this WAL size
	CheckpointInterval time.Duration // periodic checkpoint cycle
}

func (c *WriterConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
}

// Writer is the single serialized store writer. All batches funnel through
// its queue; the journal mode permits exactly one writer at a time.
type Writer struct {
	store  *Store
	cfg    WriterConfig
	in     chan Batch
	logger *zap.Logger
	tracer trace.Tracer
}

// NewWriter builds the writer; call Run on its own goroutine.
func NewWriter(st *Store, cfg WriterConfig, logger *zap.Logger) *Writer {
	cfg.applyDefaults()
	return &Writer{
		store:  st,
		cfg:    cfg,
		in:     make(chan Batch, cfg.QueueSize),
		logger: logger.Named("writer"),
		tracer: otel.Tracer("gladix/store"),
	}
}

// Enqueue hands a batch to the writer. The queue is bounded: when full, the
// oldest queued batch is dropped and the loss recorded, so a kernel-adjacent
// path never blocks on disk pressure.
func (w *Writer) Enqueue(b Batch) {
	if len(b.Events) == 0 {
		return
	}
	select {
	case w.in <- b:
		return
	default:
	}
	select {
	case old := <-w.in:
		eventsDropped.Add(float64(len(old.Events)))
		w.logger.Warn("queue full, dropped oldest batch",
			zap.String("table", old.Table), zap.Int("events", len(old.Events)))
	default:
	}
	select {
	case w.in <- b:
	default:
		eventsDropped.Add(float64(len(b.Events)))
		w.logger.Warn("queue full, dropped incoming batch",
			zap.String("table", b.Table), zap.Int("events", len(b.Events)))
	}
}

// Run cycles Open -> Checkpointing -> Open until ctx is cancelled, then
// drains the queue and performs one final checkpoint before returning.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckpointInterval)
	defer ticker.Stop()
	w.logger.Info("store writer started", zap.Int("queue_size", w.cfg.QueueSize))

	for {
		select {
		case b := <-w.in:
			w.commitWithRetry(ctx, b)
			w.enforceWALCap(ctx)
		case <-ticker.C:
			if err := w.store.Checkpoint(ctx); err != nil {
				w.logger.Warn("periodic checkpoint failed, will retry next cycle", zap.Error(err))
			}
		case <-ctx.Done():
			w.drain()
			if err := w.store.Checkpoint(context.Background()); err != nil {
				w.logger.Error("final checkpoint failed", zap.Error(err))
			}
			w.logger.Info("store writer stopped")
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case b := <-w.in:
			w.commitWithRetry(context.Background(), b)
		default:
			return
		}
	}
}

func (w *Writer) commitWithRetry(ctx context.Context, b Batch) {
	backoff := w.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.commit(ctx, b); err == nil {
			return
		}
		if attempt < w.cfg.MaxAttempts {
			batchRetries.Inc()
			w.logger.Warn("batch commit failed, retrying",
				zap.String("table", b.Table), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				attempt = w.cfg.MaxAttempts
			}
			backoff *= 2
		}
	}
	eventsDropped.Add(float64(len(b.Events)))
	w.logger.Error("batch dropped after exhausted retries",
		zap.String("table", b.Table), zap.Int("events", len(b.Events)), zap.Error(err))
}

func (w *Writer) commit(ctx context.Context, b Batch) error {
	ctx, span := w.tracer.Start(ctx, "store.commit",
		trace.WithAttributes(
			attribute.String("table", b.Table),
			attribute.Int("events", len(b.Events)),
		))
	defer span.End()

	start := time.Now()
	tx, err := w.store.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sqlText, ok := insertSQL[b.Table]
	if !ok {
		return fmt.Errorf("unknown table %q", b.Table)
	}
	stmt, err := tx.PrepareContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", b.Table, err)
	}
	defer stmt.Close()

	for _, ev := range b.Events {
		if err := bindAndExec(ctx, stmt, ev); err != nil {
			return fmt.Errorf("insert into %s: %w", b.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	flushDuration.Observe(time.Since(start).Seconds())
	flushBatchSize.Observe(float64(len(b.Events)))
	batchesCommitted.WithLabelValues(b.Table).Inc()
	return nil
}

// enforceWALCap forces a checkpoint when the log would outgrow its cap
// before the periodic cycle gets to it. Sustained failure here with a
// growing log is the operator-visible disk-exhaustion condition.
func (w *Writer) enforceWALCap(ctx context.Context) {
	if w.cfg.WALSizeLimit <= 0 {
		return
	}
	size := w.store.WALSize()
	if size < w.cfg.WALSizeLimit {
		walOverCap.Set(0)
		return
	}
	if err := w.store.Checkpoint(ctx); err != nil {
		walOverCap.Set(1)
		w.logger.Error("wal exceeds size cap and checkpoint failed; check disk space",
			zap.Int64("wal_bytes", size), zap.Int64("cap", w.cfg.WALSizeLimit), zap.Error(err))
		return
	}
	walOverCap.Set(0)
}

var insertSQL = map[string]string{
	"fs_events": `INSERT INTO fs_events
		(ts, sensor_id, op, path, new_path, pid, exe_path, size, sha256, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	"network_events": `INSERT INTO network_events
		(ts, sensor_id, direction, proto, src_ip, src_port, dst_ip, dst_port, pid, exe_path, bytes, verdict, rule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	"etw_events": `INSERT INTO etw_events
		(ts, sensor_id, provider_guid, event_id, level, pid, tid, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	"process_events": `INSERT INTO process_events
		(ts, sensor_id, pid, ppid, image_path, cmdline)
		VALUES (?, ?, ?, ?, ?, ?)`,
}

func bindAndExec(ctx context.Context, stmt *sql.Stmt, ev events.Event) error {
	switch e := ev.(type) {
	case events.FileEvent:
		_, err := stmt.ExecContext(ctx,
			e.Timestamp.UnixMicro(), e.SensorID, e.Op.String(), e.Path, e.NewPath,
			int64(e.PID), e.ExePath, int64(e.Size), e.SHA256, boolInt(e.Result))
		return err
	case events.NetworkEvent:
		_, err := stmt.ExecContext(ctx,
			e.Timestamp.UnixMicro(), e.SensorID, e.Direction.String(), e.Protocol,
			e.SrcIP, int64(e.SrcPort), e.DstIP, int64(e.DstPort),
			int64(e.PID), e.ExePath, int64(e.Bytes), verdict(e.Blocked), int64(e.RuleID))
		return err
	case events.EtwEvent:
		_, err := stmt.ExecContext(ctx,
			e.Timestamp.UnixMicro(), e.SensorID, e.ProviderGUID, int64(e.EventID),
			int64(e.Level), int64(e.PID), int64(e.TID), e.Payload)
		return err
	case events.ProcessEvent:
		_, err := stmt.ExecContext(ctx,
			e.Timestamp.UnixMicro(), e.SensorID, int64(e.PID), int64(e.PPID),
			e.ImagePath, e.Cmdline)
		return err
	default:
		return fmt.Errorf("unsupported event kind %s", ev.Kind())
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func verdict(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "allowed"
}
