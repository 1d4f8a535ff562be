package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingInserter struct {
	mu      sync.Mutex
	batches [][]*BatchEvent
	err     error
}

func (r *recordingInserter) insert(_ context.Context, events []*BatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]*BatchEvent, len(events))
	copy(cp, events)
	r.batches = append(r.batches, cp)
	return r.err
}

func (r *recordingInserter) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseWriter_CloseDrainsBuffer(t *testing.T) {
	rec := &recordingInserter{}
	w := newClickHouseWriterWithInserter(rec.insert, zap.NewNop())
	go w.flushLoop()

	for i := 0; i < 25; i++ {
		w.Write(&BatchEvent{BatchID: "b1", Sequence: int32(i + 1)})
	}
	w.Close()

	if got := rec.total(); got != 25 {
		t.Fatalf("expected 25 events flushed, got %d", got)
	}
}

func TestClickHouseWriter_FlushesOnTicker(t *testing.T) {
	rec := &recordingInserter{}
	w := newClickHouseWriterWithInserter(rec.insert, zap.NewNop())
	go w.flushLoop()
	defer w.Close()

	w.Write(&BatchEvent{BatchID: "b1", Sequence: 1})

	deadline := time.Now().Add(2 * time.Second)
	for rec.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClickHouseWriter_DropsWhenBufferFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := newClickHouseWriterWithInserter(func(context.Context, []*BatchEvent) error { return nil }, zap.New(core))

	// No flush loop: the buffer never drains.
	for i := 0; i < bufferSize; i++ {
		w.Write(&BatchEvent{BatchID: "b"})
	}
	w.Write(&BatchEvent{BatchID: "overflow", Sequence: 7})

	if logs.FilterMessage("clickhouse buffer full, dropping event").Len() != 1 {
		t.Fatalf("expected one drop warning, got %d logs", logs.Len())
	}
}

func TestClickHouseWriter_InsertErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := &recordingInserter{err: errors.New("connection reset")}
	w := newClickHouseWriterWithInserter(rec.insert, zap.New(core))
	go w.flushLoop()

	w.Write(&BatchEvent{BatchID: "b1"})
	w.Close()

	if logs.FilterMessage("clickhouse batch send failed").Len() != 1 {
		t.Fatal("expected insert failure to be logged")
	}
}

func TestClickHouseWriter_CloseTwice(t *testing.T) {
	w := newClickHouseWriterWithInserter(func(context.Context, []*BatchEvent) error { return nil }, nil)
	go w.flushLoop()
	w.Close()
	w.Close()
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&BatchEvent{
		BatchID:            "b1",
		Sequence:           2,
		InvocationIDs:      []string{"a"},
		InvocationStatuses: []string{"completed"},
	})
	w.Close()

	entries := logs.FilterMessage("tool_batch_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["batch_id"] != "b1" {
		t.Fatalf("unexpected fields: %v", entries[0].ContextMap())
	}
}
