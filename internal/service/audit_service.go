package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

// finalFlushTimeout bounds the last export on shutdown.
const finalFlushTimeout = 5 * time.Second

// AuditService copies committed audit entries to secondary exporters
// (rotating file, Redis stream, Kafka). Entries pass through a bounded
// queue drained by one worker, so a slow exporter costs the decision path
// at most sendTimeout.
type AuditService struct {
	exporters []audit.Exporter
	logger    *slog.Logger
	metrics   *Metrics

	queue    chan audit.Entry
	capacity int
	wg       sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration

	// warnPercent and burstPercent are queue fill levels; 0 disables them.
	warnPercent  int
	burstPercent int

	dropped  atomic.Int64
	lastWarn atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize caps the entries handed to an exporter per call.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) { s.batchSize = size }
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) { s.flushInterval = interval }
}

// WithChannelSize sets the queue capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.queue = make(chan audit.Entry, size)
		s.capacity = size
	}
}

// WithSendTimeout sets how long Record waits on a full queue. Zero drops
// at once.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = timeout }
}

// WithWarningThreshold logs a warning, at most once a second, while the
// queue is at least percent full.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.warnPercent = clampPercent(percent) }
}

// WithAdaptiveFlushThreshold flushes early, and four times as often, while
// the queue is at least percent full. Zero turns this off.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.burstPercent = clampPercent(percent) }
}

// WithExportMetrics counts drops and failed batches.
func WithExportMetrics(m *Metrics) AuditOption {
	return func(s *AuditService) { s.metrics = m }
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// NewAuditService creates an AuditService for exporters. Call Start before
// Record and Stop when done.
func NewAuditService(exporters []audit.Exporter, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		exporters:     exporters,
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		sendTimeout:   100 * time.Millisecond,
		warnPercent:   80,
		burstPercent:  80,
	}
	WithChannelSize(1000)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the export worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Record queues a copy of e for export. When the queue stays full for
// sendTimeout the entry is dropped and counted; the primary store already
// holds it.
func (s *AuditService) Record(e audit.Entry) {
	if s.warnPercent > 0 && s.fill() >= s.warnPercent {
		s.warnFull()
	}

	select {
	case s.queue <- e:
		return
	default:
	}
	if s.sendTimeout <= 0 {
		s.drop(e)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.queue <- e:
	case <-timer.C:
		s.drop(e)
	}
}

func (s *AuditService) drop(e audit.Entry) {
	n := s.dropped.Add(1)
	s.metrics.exportDrop()
	s.logger.Warn("export queue full, audit entry not exported",
		"entry_id", e.ID,
		"agent_id", e.AgentID,
		"dropped", n,
	)
}

// fill is the queue depth as a percentage of capacity.
func (s *AuditService) fill() int {
	if s.capacity == 0 {
		return 100
	}
	return len(s.queue) * 100 / s.capacity
}

func (s *AuditService) warnFull() {
	now := time.Now().UnixNano()
	last := s.lastWarn.Load()
	if now-last < int64(time.Second) || !s.lastWarn.CompareAndSwap(last, now) {
		return
	}
	s.logger.Warn("export queue filling up",
		"queued", len(s.queue),
		"capacity", s.capacity,
	)
}

// DroppedRecords is the number of entries never exported.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropped.Load()
}

// ChannelDepth is the number of queued entries.
func (s *AuditService) ChannelDepth() int {
	return len(s.queue)
}

// ChannelCapacity is the queue size.
func (s *AuditService) ChannelCapacity() int {
	return s.capacity
}

// Stop closes the queue, waits for the worker to export what is left and
// closes every exporter.
func (s *AuditService) Stop() {
	close(s.queue)
	s.wg.Wait()
	for _, exp := range s.exporters {
		if err := exp.Close(); err != nil {
			s.logger.Warn("closing audit exporter failed", "exporter", exp.Name(), "error", err)
		}
	}
}

func (s *AuditService) run(ctx context.Context) {
	batch := make([]audit.Entry, 0, s.batchSize)
	interval := s.flushInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func(ctx context.Context) {
		if len(batch) > 0 {
			s.flush(ctx, batch)
			batch = batch[:0]
		}
	}
	finish := func() {
		ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		send(ctx)
	}

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				finish()
				return
			}
			batch = append(batch, e)

			busy := s.burstPercent > 0 && s.fill() >= s.burstPercent
			if len(batch) >= s.batchSize || busy {
				send(ctx)
			}

			want := s.flushInterval
			if busy {
				want = s.flushInterval / 4
			}
			if want != interval {
				interval = want
				ticker.Reset(interval)
				s.logger.Debug("audit export flush interval changed", "interval", interval, "fill_percent", s.fill())
			}

		case <-ticker.C:
			send(ctx)

		case <-ctx.Done():
			// Stop still closes the queue; collect everything until then.
			for e := range s.queue {
				batch = append(batch, e)
			}
			finish()
			return
		}
	}
}

// flush hands batch to each exporter. Failures are logged and counted, never
// returned: exports must not affect decisions.
func (s *AuditService) flush(ctx context.Context, batch []audit.Entry) {
	for _, exp := range s.exporters {
		if err := exp.Append(ctx, batch...); err != nil {
			s.metrics.exportError(exp.Name())
			s.logger.Error("audit export failed",
				"exporter", exp.Name(),
				"entries", len(batch),
				"error", err,
			)
		}
	}
}
