// Package recorder persists operator runs: run metadata, every logged entry
// and periodic bot screenshots.
//
// Recordings are driven from under the gateway lock, so nothing here blocks
// the caller. Writes go through a bounded queue drained by one worker;
// when the queue is full, writes are dropped and counted.
package recorder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/botgate/internal/operator"
	"github.com/amurg-ai/botgate/internal/session"
	"github.com/amurg-ai/botgate/internal/store"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// ErrInvalidDataURL is returned for screenshots that are not base64 data URLs.
var ErrInvalidDataURL = errors.New("invalid data URL")

// Options configures a Service.
type Options struct {
	// ScreenshotInterval is how often an open recording asks for a
	// screenshot. Zero disables screenshot requests.
	ScreenshotInterval time.Duration
	QueueSize          int
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Service opens recordings and owns the write queue.
type Service struct {
	store    store.Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	closed  bool
	queue   chan job
	done    chan struct{}
	dropped atomic.Int64
}

// New starts a recorder writing to st.
func New(st store.Store, opts Options, logger *slog.Logger) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	s := &Service{
		store:    st,
		interval: opts.ScreenshotInterval,
		logger:   logger.With("component", "recorder"),
		now:      time.Now,
		queue:    make(chan job, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// StartRun opens a recording for run. requestScreenshot, if non-nil, is
// called from a ticker goroutine while the recording is active.
func (s *Service) StartRun(run operator.RunInfo, requestScreenshot func()) session.Recording {
	rec := &recording{svc: s, runID: run.ID, stop: make(chan struct{})}
	rec.active.Store(true)

	row := &store.Run{ID: run.ID, Identity: run.Identity, Goal: run.Goal, StartedAt: run.StartedAt}
	s.enqueue("create run", func(ctx context.Context) error {
		return s.store.CreateRun(ctx, row)
	})
	s.logger.Info("recording started", "run_id", run.ID, "identity", run.Identity)

	if requestScreenshot != nil && s.interval > 0 {
		go rec.tick(s.interval, requestScreenshot)
	}
	return rec
}

// Dropped returns the number of writes discarded because the queue was full
// or the service was closed.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting writes and waits for queued ones to finish.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain recorder queue: %w", ctx.Err())
	}
}

func (s *Service) enqueue(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- job{name: name, run: fn}:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("recorder queue full, dropping writes", "dropped", n)
		}
	}
}

func (s *Service) worker() {
	defer close(s.done)
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.run(ctx); err != nil {
			s.logger.Warn("recorder write failed", "op", j.name, "error", err)
		}
		cancel()
	}
}

// recording implements session.Recording for one run.
type recording struct {
	svc    *Service
	runID  string
	active atomic.Bool
	stop   chan struct{}
	once   sync.Once
}

func (r *recording) Active() bool { return r.active.Load() }

func (r *recording) LogEvent(e protocol.LogEntry) {
	if !r.Active() {
		return
	}
	ev := &store.Event{
		RunID:     r.runID,
		Kind:      string(e.Kind),
		Content:   e.Content,
		CreatedAt: time.UnixMilli(e.Timestamp),
	}
	r.svc.enqueue("append event", func(ctx context.Context) error {
		_, err := r.svc.store.AppendEvent(ctx, ev)
		return err
	})
}

func (r *recording) SaveScreenshot(dataURL string) {
	if !r.Active() {
		return
	}
	takenAt := r.svc.now()
	r.svc.enqueue("save screenshot", func(ctx context.Context) error {
		mime, data, err := DecodeDataURL(dataURL)
		if err != nil {
			return err
		}
		return r.svc.store.SaveScreenshot(ctx, &store.Screenshot{
			ID:        uuid.NewString(),
			RunID:     r.runID,
			MimeType:  mime,
			Data:      data,
			CreatedAt: takenAt,
		})
	})
}

// Stop ends the recording. It never waits for the screenshot ticker.
func (r *recording) Stop() {
	r.once.Do(func() {
		r.active.Store(false)
		close(r.stop)
		endedAt := r.svc.now()
		r.svc.enqueue("finish run", func(ctx context.Context) error {
			return r.svc.store.FinishRun(ctx, r.runID, endedAt)
		})
		r.svc.logger.Info("recording stopped", "run_id", r.runID)
	})
}

func (r *recording) tick(interval time.Duration, requestScreenshot func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if r.Active() {
				requestScreenshot()
			}
		case <-r.stop:
			return
		}
	}
}

// DecodeDataURL splits a base64 data URL into its media type and payload.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("%w: not base64", ErrInvalidDataURL)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return mime, data, nil
}
