package storage

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	insertTimeout = 5 * time.Second
)

const insertBatchEvents = `
	INSERT INTO tool_batch_events (
		batch_id, snapshot_id, sequence, final,
		project_id, team_id, user_id, surface, timestamp,
		invocation_ids, invocation_tools, invocation_statuses,
		invocation_progress, invocation_explanations,
		source
	)
`

// inserter writes one batch of events.
type inserter func(ctx context.Context, events []*BatchEvent) error

// ClickHouseWriter writes batch events to ClickHouse asynchronously.
// Write() is non-blocking. Events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	insert    inserter
	buffer    chan *BatchEvent
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := newClickHouseWriterWithInserter(func(ctx context.Context, events []*BatchEvent) error {
		return insertEvents(ctx, conn, events, logger)
	}, logger)
	go w.flushLoop()
	return w, nil
}

// newClickHouseWriterWithInserter builds a writer without starting the flush
// loop. Used directly by tests.
func newClickHouseWriterWithInserter(insert inserter, logger *zap.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseWriter{
		insert:  insert,
		buffer:  make(chan *BatchEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *BatchEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("batch_id", event.BatchID),
			zap.Int32("sequence", event.Sequence),
		)
	}
}

// Close signals the flush loop to drain remaining events and waits for it.
func (w *ClickHouseWriter) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*BatchEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*BatchEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func insertEvents(ctx context.Context, conn driver.Conn, events []*BatchEvent, logger *zap.Logger) error {
	batch, err := conn.PrepareBatch(ctx, insertBatchEvents)
	if err != nil {
		return err
	}

	for _, e := range events {
		var finalUint8 uint8
		if e.Final {
			finalUint8 = 1
		}

		if err := batch.Append(
			e.BatchID,
			e.SnapshotID,
			e.Sequence,
			finalUint8,
			e.ProjectID,
			e.TeamID,
			e.UserID,
			e.Surface,
			e.Timestamp,
			e.InvocationIDs,
			e.InvocationTools,
			e.InvocationStatuses,
			e.InvocationProgress,
			e.InvocationExplained,
			e.Source,
		); err != nil {
			logger.Error("clickhouse append event failed",
				zap.String("batch_id", e.BatchID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *BatchEvent) {
	w.logger.Info("tool_batch_event",
		zap.String("batch_id", event.BatchID),
		zap.String("snapshot_id", event.SnapshotID),
		zap.Int32("sequence", event.Sequence),
		zap.Bool("final", event.Final),
		zap.String("project_id", event.ProjectID),
		zap.Strings("invocation_ids", event.InvocationIDs),
		zap.Strings("invocation_statuses", event.InvocationStatuses),
		zap.String("source", event.Source),
	)
}

func (w *LogWriter) Close() {}
