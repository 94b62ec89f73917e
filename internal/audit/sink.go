// Package audit implements the append-only, PHI-scrubbed event log.
//
// Emit is non-blocking beyond a bounded queue push; a single writer
// goroutine drains the queue, scrubs every free-form field, and appends
// JSON lines to severity-routed rotated files. Channel order gives
// per-writer FIFO.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/logs"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/phi"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
)

type streamClass int

const (
	streamNormal streamClass = iota
	streamSecurity
	streamError
)

// statEntry is the compact in-memory form kept for compliance reporting.
type statEntry struct {
	at       time.Time
	kind     Kind
	severity Severity
}

const maxStatEntries = 20000

// Sink is the audit event sink. Construct with NewSink and Close on
// shutdown to flush the queue.
type Sink struct {
	logger   *zap.Logger
	scrubber *phi.Scrubber
	metrics  *metrics.Set
	cipher   *tokens.PayloadCipher

	queue   chan Record
	streams map[streamClass]*lumberjack.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	statsMu sync.Mutex
	stats   []statEntry

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewSink opens the three severity streams under cfg.Dir and starts the
// writer goroutine.
func NewSink(cfg *config.AuditConfig, scrubber *phi.Scrubber, m *metrics.Set, logger *zap.Logger) (*Sink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("audit config is required")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	streams := make(map[streamClass]*lumberjack.Logger, 3)
	for class, filename := range map[streamClass]string{
		streamNormal:   "audit.log",
		streamSecurity: "audit-security.log",
		streamError:    "audit-error.log",
	} {
		w, err := logs.NewRotatingWriter(cfg.Dir, filename, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit stream %s: %w", filename, err)
		}
		streams[class] = w
	}

	s := &Sink{
		logger:   logger.Named("audit"),
		scrubber: scrubber,
		metrics:  m,
		queue:    make(chan Record, queueSize),
		streams:  streams,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.drain()
	return s, nil
}

// WithCipher enables at-rest encryption of medical-query detail fields.
// Kind, severity, and outcome stay in cleartext so compliance reporting
// keeps working over encrypted streams.
func (s *Sink) WithCipher(c *tokens.PayloadCipher) *Sink {
	s.cipher = c
	return s
}

// Emit enqueues a record. It returns promptly in all cases: when the queue
// is full the record is downgraded to KindDropped (original severity kept),
// the drop metric is incremented, and request processing continues.
func (s *Sink) Emit(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.Truncate(time.Millisecond)
	if rec.ID == "" {
		rec.ID = s.newID(rec.Timestamp)
	}

	select {
	case s.queue <- rec:
		return
	default:
	}

	if s.metrics != nil {
		s.metrics.AuditDropped.Inc()
	}
	dropped := Record{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		Kind:      KindDropped,
		Severity:  rec.Severity,
	}
	select {
	case s.queue <- dropped:
	default:
		s.logger.Warn("audit queue full, record lost",
			zap.String("kind", string(rec.Kind)),
			zap.String("severity", string(rec.Severity)))
	}
}

// Close stops the writer after flushing queued records, bounded by ctx.
func (s *Sink) Close(ctx context.Context) error {
	close(s.closed)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("audit sink flush: %w", ctx.Err())
	}
	for _, w := range s.streams {
		_ = w.Close()
	}
	return nil
}

// Stats returns per-kind and per-severity counts for records emitted since
// the given time. Backs the compliance report endpoint.
func (s *Sink) Stats(since time.Time) (byKind map[Kind]int, bySeverity map[Severity]int, total int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	byKind = make(map[Kind]int)
	bySeverity = make(map[Severity]int)
	for _, e := range s.stats {
		if e.at.Before(since) {
			continue
		}
		byKind[e.kind]++
		bySeverity[e.severity]++
		total++
	}
	return byKind, bySeverity, total
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.closed:
			// Flush whatever is left, then stop.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec Record) {
	rec.Resource = s.scrubber.Scrub(rec.Resource)
	rec.Action = s.scrubber.Scrub(rec.Action)
	if rec.Fields != nil {
		rec.Fields = s.scrubber.ScrubMap(rec.Fields)
	}

	// Medical-query detail fields are sealed after scrubbing. Scrubbing
	// still runs first: decrypted records must not contain PHI either.
	if s.cipher != nil && rec.Kind == KindMedicalQuery && rec.Fields != nil {
		plain, err := json.Marshal(rec.Fields)
		if err == nil {
			if sealed, err := s.cipher.Encrypt(plain); err == nil {
				rec.Encrypted = sealed
				rec.Fields = nil
			} else {
				s.logger.Error("failed to seal audit fields", zap.Error(err))
			}
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("failed to marshal audit record", zap.Error(err))
		return
	}
	line = append(line, '\n')

	if _, err := s.streams[classify(rec)].Write(line); err != nil {
		s.logger.Error("failed to write audit record",
			zap.String("kind", string(rec.Kind)),
			zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.AuditEmitted.WithLabelValues(string(rec.Kind), string(rec.Severity)).Inc()
	}

	s.statsMu.Lock()
	s.stats = append(s.stats, statEntry{at: rec.Timestamp, kind: rec.Kind, severity: rec.Severity})
	if len(s.stats) > maxStatEntries {
		s.stats = s.stats[len(s.stats)-maxStatEntries:]
	}
	s.statsMu.Unlock()
}

func (s *Sink) newID(ts time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), s.entropy).String()
}

func classify(rec Record) streamClass {
	if rec.Kind == KindSecurityEvent {
		return streamSecurity
	}
	if rec.Severity == SeverityError || rec.Severity == SeverityCritical {
		return streamError
	}
	return streamNormal
}
