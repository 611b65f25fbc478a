// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package asynclog is a non-blocking diagnostic sink.
//
// # Description
//
// Producers (the tick worker, HTTP handlers, anything holding a *slog.Logger
// built on a Log) append records to an in-memory FIFO and signal a single
// consumer goroutine. The consumer is the only code that touches the
// underlying writer, so a stalled disk delays log persistence but never the
// producer.
//
// # Usage
//
//	sink := asynclog.New(file)
//	logger := slog.New(slog.NewJSONHandler(sink, nil))
//	defer sink.Close(context.Background())
//
//	sink.Enqueue("raw diagnostic line")
//
// # Guarantees
//
//   - Records are written in enqueue order.
//   - Close drains everything enqueued before Close, bounded by a grace period.
//   - Records enqueued after Close are dropped and counted.
//   - An abrupt process exit loses whatever is still queued.
package asynclog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/tether/services/tether/util"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("async log closed")

	// ErrDrainTimeout is returned by Close when the consumer did not finish in time.
	ErrDrainTimeout = errors.New("async log drain timed out")
)

// Record is one queued log entry.
type Record struct {
	// At is when the record was enqueued.
	At time.Time

	// Line is the text to persist. Pre-formatted records (from Write) carry
	// their own timestamp and are written verbatim.
	Line string

	preformatted bool
}

// Options configures a Log.
type Options struct {
	// PollInterval is how often the consumer wakes without a signal.
	PollInterval time.Duration

	// GracePeriod bounds how long Close waits for the drain.
	GracePeriod time.Duration

	// Clock stamps Enqueue records. Defaults to time.Now.
	Clock func() time.Time

	// OnConsumerPanic is called if the consumer goroutine panics.
	OnConsumerPanic func(util.PanicInfo)
}

// Option is a functional option for New.
type Option func(*Options)

// WithPollInterval sets the consumer's idle wake interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithGracePeriod sets the shutdown drain bound.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithPanicHandler observes consumer panics.
func WithPanicHandler(fn func(util.PanicInfo)) Option {
	return func(o *Options) {
		o.OnConsumerPanic = fn
	}
}

// Stats is a snapshot of a Log's counters.
type Stats struct {
	Enqueued    int64 `json:"enqueued"`
	Written     int64 `json:"written"`
	Dropped     int64 `json:"dropped"`
	WriteErrors int64 `json:"write_errors"`
	Pending     int   `json:"pending"`
}

// Log is the asynchronous sink.
//
// # Thread Safety
//
// Enqueue, Write, Stats and Close are safe for concurrent use. The wrapped
// writer is only ever used by the consumer goroutine.
type Log struct {
	opts Options

	mu     sync.Mutex
	queue  []Record
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sink io.Writer
	buf  *bufio.Writer

	enqueued    atomic.Int64
	written     atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
}

// New creates a Log writing to sink and starts its consumer.
//
// # Inputs
//
//   - sink: Destination. Used only by the consumer goroutine.
//   - opts: Functional options.
//
// # Outputs
//
//   - *Log: Running sink. Must be closed.
func New(sink io.Writer, opts ...Option) *Log {
	o := Options{
		PollInterval: util.DefaultLogPollInterval,
		GracePeriod:  util.DefaultLogGracePeriod,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.OnConsumerPanic == nil {
		o.OnConsumerPanic = func(p util.PanicInfo) {
			fmt.Fprintf(os.Stderr, "asynclog: consumer panicked: %v\n%s", p.Value, p.Stack)
		}
	}

	l := &Log{
		opts: o,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		sink: sink,
		buf:  bufio.NewWriter(sink),
	}

	util.SafeGo(func() {
		defer close(l.done)
		l.run()
	}, o.OnConsumerPanic)

	return l
}

// Enqueue queues one diagnostic line. Never blocks on I/O.
func (l *Log) Enqueue(line string) {
	l.push(Record{
		At:   l.opts.Clock(),
		Line: strings.TrimRight(line, "\n"),
	})
}

// Write queues p as one pre-formatted record, so a *slog.Logger can use the
// Log as its handler's writer. p is copied.
func (l *Log) Write(p []byte) (int, error) {
	if !l.push(Record{At: l.opts.Clock(), Line: string(p), preformatted: true}) {
		return 0, ErrClosed
	}
	return len(p), nil
}

func (l *Log) push(r Record) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.dropped.Add(1)
		return false
	}
	l.queue = append(l.queue, r)
	l.mu.Unlock()

	l.enqueued.Add(1)

	// Non-blocking signal; a pending signal already covers this record.
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// run is the consumer loop.
func (l *Log) run() {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.wake:
		case <-ticker.C:
		case <-l.stop:
			l.drain()
			l.sync()
			return
		}
		l.drain()
	}
}

// drain writes everything queued so far, in order, and flushes.
func (l *Log) drain() {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, r := range batch {
		if err := l.writeRecord(r); err != nil {
			l.writeErrors.Add(1)
			continue
		}
		l.written.Add(1)
	}
	if err := l.buf.Flush(); err != nil {
		l.writeErrors.Add(1)
	}
}

func (l *Log) writeRecord(r Record) error {
	if r.preformatted {
		_, err := l.buf.WriteString(r.Line)
		if err == nil && !strings.HasSuffix(r.Line, "\n") {
			err = l.buf.WriteByte('\n')
		}
		return err
	}
	_, err := fmt.Fprintf(l.buf, "%s %s\n", r.At.Format(time.RFC3339Nano), r.Line)
	return err
}

func (l *Log) sync() {
	if s, ok := l.sink.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// Close stops accepting records, drains the queue and waits for the consumer.
//
// # Description
//
// Waits at most the configured grace period (or until ctx is done, whichever is
// first). Calling Close more than once is safe.
//
// # Outputs
//
//   - error: ErrDrainTimeout or ctx.Err() when the drain did not finish.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})

	timer := time.NewTimer(l.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return Stats{
		Enqueued:    l.enqueued.Load(),
		Written:     l.written.Load(),
		Dropped:     l.dropped.Load(),
		WriteErrors: l.writeErrors.Load(),
		Pending:     pending,
	}
}
