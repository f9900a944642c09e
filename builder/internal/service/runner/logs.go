package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	contract "github.com/splax/prebuildd/pkg/runtime"
)

const (
	defaultFlushInterval = 500 * time.Millisecond
	maxBatchLines        = 200
	maxLineLength        = 4096
	repeatFlushInterval  = 10 * time.Second
	outputBufferSize     = 200
)

// logBatcher collects task output and ships it to the control plane in
// batches, either every flush interval or once maxBatchLines accumulate.
type logBatcher struct {
	req      contract.StartRequest
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []contract.LogLine
	sendMu  sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newLogBatcher(req contract.StartRequest, reporter Reporter, interval time.Duration, logger *slog.Logger) *logBatcher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	b := &logBatcher{
		req:      req,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop(interval)
	return b
}

// clipLine makes line valid UTF-8 and cuts it to at most maxLineLength bytes
// on a rune boundary, marking the cut with an ellipsis.
func clipLine(line string) string {
	line = strings.ToValidUTF8(line, "\uFFFD")
	if len(line) <= maxLineLength {
		return line
	}
	cut := maxLineLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "…"
}

// Add queues one line of output for task.
func (b *logBatcher) Add(task, stream, line string) {
	line = clipLine(line)
	b.mu.Lock()
	b.pending = append(b.pending, contract.LogLine{
		WorkspaceID: b.req.WorkspaceID,
		InstanceID:  b.req.InstanceID,
		Task:        task,
		Stream:      stream,
		Line:        line,
		OccurredAt:  b.now().UTC(),
	})
	full := len(b.pending) >= maxBatchLines
	b.mu.Unlock()
	if full {
		b.flush()
	}
}

// Close stops the flush loop and ships whatever is still pending.
func (b *logBatcher) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		b.flush()
	})
}

func (b *logBatcher) loop(interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stop:
			return
		}
	}
}

func (b *logBatcher) flush() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 || b.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := b.reporter.ReportLogs(ctx, batch); err != nil {
		b.logger.Warn("log delivery failed", "lines", len(batch), "error", err)
	}
}

// outputAggregator collapses consecutive duplicate lines of image output,
// which pulls and builds emit in bulk, and keeps a tail for error reports.
type outputAggregator struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
	now      func() time.Time
}

func newOutputAggregator(emit func(string)) *outputAggregator {
	return &outputAggregator{
		emit:     emit,
		maxDelay: repeatFlushInterval,
		bufSize:  outputBufferSize,
		now:      time.Now,
	}
}

func (a *outputAggregator) Add(line string) {
	if a == nil || line == "" {
		return
	}
	now := a.now()
	if a.last == "" {
		a.last = line
		a.repeats = 0
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

func (a *outputAggregator) Flush() {
	if a == nil {
		return
	}
	a.flushRepeatsAt(a.now())
}

func (a *outputAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *outputAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	if a.bufSize > 0 {
		if len(a.buffer) < a.bufSize {
			a.buffer = append(a.buffer, line)
		} else {
			a.buffer = append(a.buffer[1:], line)
		}
	}
	a.lastEmit = now
}

// Snapshot returns up to limit of the most recent emitted lines.
func (a *outputAggregator) Snapshot(limit int) []string {
	if a == nil || len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}
