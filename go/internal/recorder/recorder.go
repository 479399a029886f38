package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds trace recorder settings.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	BufferSize    int
}

// DefaultConfig returns default recorder settings.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
		BufferSize:    1024,
	}
}

// entry is one buffered trace row. Event and reconcile traces share the
// buffer and are split at flush time.
type entry struct {
	reconcile bool

	sessionID string
	at        time.Time

	// event trace
	eventID   string
	eventType string
	accepted  bool

	// reconcile trace
	field   string
	source  string
	outcome string
}

// Recorder persists event and reconciliation traces to Postgres for
// post-experiment analysis. Writes are buffered and flushed in batches; the
// hot path never blocks on the database, and a full buffer drops the trace
// rather than stall reconciliation.
type Recorder struct {
	pool   *pgxpool.Pool
	clock  clockwork.Clock
	config Config

	entries  chan entry
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New connects a recorder to Postgres and starts its flush loop.
func New(ctx context.Context, dsn string, clock clockwork.Clock, config Config) (*Recorder, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &Recorder{
		pool:     pool,
		clock:    clock,
		config:   config,
		entries:  make(chan entry, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	log.Info().
		Dur("flush_interval", config.FlushInterval).
		Int("batch_size", config.BatchSize).
		Msg("trace recorder started")
	return r, nil
}

// TraceEvent implements session.Tracer.
func (r *Recorder) TraceEvent(sessionID, eventID string, eventType string, accepted bool) {
	r.enqueue(entry{
		sessionID: sessionID,
		at:        r.clock.Now(),
		eventID:   eventID,
		eventType: eventType,
		accepted:  accepted,
	})
}

// TraceReconcile implements session.Tracer.
func (r *Recorder) TraceReconcile(sessionID, field, source, outcome string, at time.Time) {
	r.enqueue(entry{
		reconcile: true,
		sessionID: sessionID,
		at:        at,
		field:     field,
		source:    source,
		outcome:   outcome,
	})
}

func (r *Recorder) enqueue(e entry) {
	select {
	case r.entries <- e:
	default:
		log.Debug().Str("session_id", e.sessionID).Msg("trace buffer full, dropping entry")
	}
}

// Stop flushes remaining traces and closes the pool.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.pool.Close()
		log.Info().Msg("trace recorder stopped")
	})
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, r.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-r.stopChan:
			// Drain whatever is still buffered before shutting down.
			for {
				select {
				case e := <-r.entries:
					batch = append(batch, e)
					if len(batch) >= r.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.Chan():
			flush()
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= r.config.BatchSize {
				flush()
			}
		}
	}
}

func (r *Recorder) flush(batch []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := &pgx.Batch{}
	for _, e := range batch {
		if e.reconcile {
			b.Queue(
				`INSERT INTO reconcile_traces (session_id, field, source, outcome, occurred_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				e.sessionID, e.field, e.source, e.outcome, e.at,
			)
		} else {
			b.Queue(
				`INSERT INTO event_traces (session_id, event_id, event_type, accepted, occurred_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				e.sessionID, e.eventID, e.eventType, e.accepted, e.at,
			)
		}
	}

	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		log.Error().Err(err).Int("entries", len(batch)).Msg("trace flush failed")
		return
	}
	log.Debug().Int("entries", len(batch)).Msg("flushed traces")
}
