package analytics

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types for analytics tracking.
const (
	EvtSessionStart = "session_start"
	EvtSessionEnd   = "session_end"
	EvtShotFired    = "shot_fired"
	EvtRetransmit   = "retransmit"
	EvtSequenceWrap = "sequence_wrap"
	EvtDegradedTick = "degraded_tick"
)

const (
	queueSize     = 1024
	flushSize     = 50
	flushInterval = 5 * time.Second
)

// Event represents a single trackable event
type Event struct {
	Type      string
	PlayerID  int64
	SessionID string
	Data      string // JSON metadata (optional)
	Timestamp time.Time
}

// Analytics handles event tracking with batched background writes
type Analytics struct {
	db      *DB
	log     *zap.SugaredLogger
	events  chan Event
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64
}

// NewAnalytics creates and starts the analytics background writer
func NewAnalytics(db *DB, log *zap.SugaredLogger) *Analytics {
	a := &Analytics{
		db:     db,
		log:    log,
		events: make(chan Event, queueSize),
		stop:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Track enqueues an event for async persistence (non-blocking)
func (a *Analytics) Track(evtType string, playerID int64, sessionID string, data string) {
	if a.stopped.Load() {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- Event{
		Type:      evtType,
		PlayerID:  playerID,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}:
	default:
		// Channel full, drop rather than block the caller
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (a *Analytics) Dropped() uint64 {
	return a.dropped.Load()
}

// Stop flushes pending events and shuts down the writer.
func (a *Analytics) Stop() {
	a.once.Do(func() {
		a.stopped.Store(true)
		close(a.stop)
		a.wg.Wait()
	})
}

// writer is the background goroutine that batches and writes events to DB
func (a *Analytics) writer() {
	defer a.wg.Done()

	batch := make([]Event, 0, 64)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-a.events:
			batch = append(batch, evt)
			if len(batch) >= flushSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			for drained := false; !drained; {
				select {
				case evt := <-a.events:
					batch = append(batch, evt)
				default:
					drained = true
				}
			}
			a.flush(batch)
			return
		}
	}
}

// flush writes a batch of events to the database
func (a *Analytics) flush(events []Event) {
	if a.db == nil || len(events) == 0 {
		return
	}
	tx, err := a.db.conn.Begin()
	if err != nil {
		a.log.Errorw("begin analytics batch", "error", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO analytics_events (event_type, player_id, session_id, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		a.log.Errorw("prepare analytics insert", "error", err)
		return
	}
	defer stmt.Close()

	for _, evt := range events {
		pid := sql.NullInt64{Int64: evt.PlayerID, Valid: evt.PlayerID > 0}
		sid := sql.NullString{String: evt.SessionID, Valid: evt.SessionID != ""}
		data := sql.NullString{String: evt.Data, Valid: evt.Data != ""}
		if _, err := stmt.Exec(evt.Type, pid, sid, data, evt.Timestamp.Format(time.RFC3339)); err != nil {
			a.log.Warnw("insert analytics event", "type", evt.Type, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		a.log.Errorw("commit analytics batch", "events", len(events), "error", err)
	}
}

// --- Query methods for the admin API ---

// EventCounts returns counts of each event type for the last N days
func (a *Analytics) EventCounts(days int) (map[string]int, error) {
	if a.db == nil {
		return nil, nil
	}
	rows, err := a.db.conn.Query(`
		SELECT event_type, COUNT(*) FROM analytics_events
		WHERE created_at >= date('now', '-' || ? || ' days')
		GROUP BY event_type ORDER BY COUNT(*) DESC
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var evtType string
		var count int
		if err := rows.Scan(&evtType, &count); err != nil {
			continue
		}
		result[evtType] = count
	}
	return result, rows.Err()
}

// SessionCount returns the number of distinct sessions ever started.
func (a *Analytics) SessionCount() (int, error) {
	if a.db == nil {
		return 0, nil
	}
	var count int
	err := a.db.conn.QueryRow(`
		SELECT COUNT(DISTINCT session_id) FROM analytics_events
		WHERE event_type = ? AND session_id IS NOT NULL
	`, EvtSessionStart).Scan(&count)
	return count, err
}

// AverageSession returns the mean session length in seconds over the last N
// days, computed from session_end events.
func (a *Analytics) AverageSession(days int) (float64, error) {
	if a.db == nil {
		return 0, nil
	}
	var avg sql.NullFloat64
	err := a.db.conn.QueryRow(`
		SELECT AVG(CAST(json_extract(data, '$.duration') AS REAL)) FROM analytics_events
		WHERE event_type = ? AND json_valid(data) AND created_at >= date('now', '-' || ? || ' days')
	`, EvtSessionEnd, days).Scan(&avg)
	return avg.Float64, err
}
