package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/occupancy.report/internal/alerts"
	"github.com/banshee-data/occupancy.report/internal/counting"
)

// unixSeconds converts t to fractional unix seconds as stored in ts_unix.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnixSeconds is the inverse of unixSeconds, rounded to the
// microsecond to absorb float error.
func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).Round(time.Microsecond).UTC()
}

const insertEventSQL = `INSERT INTO crossing_events (
	event_id, track_id, direction, ts_unix, start_x, end_x, frame, seq,
	entries_after, exits_after, occupancy_after
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, ev counting.CrossingEvent) error {
	_, err := ex.ExecContext(ctx, insertEventSQL,
		ev.EventID.String(), ev.TrackID, string(ev.Direction), unixSeconds(ev.Timestamp),
		ev.StartX, ev.EndX, int64(ev.Frame), int64(ev.Seq),
		ev.Counts.Entries, ev.Counts.Exits, ev.Counts.Occupancy,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// RecordEvent stores a single crossing event.
func (db *DB) RecordEvent(ctx context.Context, ev counting.CrossingEvent) error {
	return insertEvent(ctx, db.DB, ev)
}

// RecordEvents stores a batch of crossing events in one transaction.
func (db *DB) RecordEvents(ctx context.Context, events []counting.CrossingEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logf("rollback failed: %v", rbErr)
		}
	}()

	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordReset logs a counter reset along with the totals it discarded.
// lastSeq is the sequence of the last event counted before the reset.
func (db *DB) RecordReset(ctx context.Context, at time.Time, lastSeq uint64, before counting.Counts, notes string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO count_resets (ts_unix, last_seq, entries_before, exits_before, notes) VALUES (?, ?, ?, ?, ?)`,
		unixSeconds(at), int64(lastSeq), before.Entries, before.Exits, notes,
	)
	if err != nil {
		return 0, fmt.Errorf("insert reset: %w", err)
	}
	return res.LastInsertId()
}

// RecordAlert stores an alert and returns its id. It satisfies
// alerts.Sink.
func (db *DB) RecordAlert(a alerts.Alert) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO alerts (ts_unix, level, message, occupancy, threshold, crowd_limit) VALUES (?, ?, ?, ?, ?, ?)`,
		unixSeconds(a.Timestamp), string(a.Level), a.Message, a.Occupancy, a.Threshold, a.CrowdLimit,
	)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return res.LastInsertId()
}

// CurrentCounts returns the totals carried by the event with the highest
// sequence, or zeros if a reset was recorded at or after it. Timestamps
// play no part. The returned sequence is the highest one seen in either
// table.
func (db *DB) CurrentCounts(ctx context.Context) (counting.Counts, uint64, error) {
	var (
		evSeq     int64
		c         counting.Counts
		resetSeq  sql.NullInt64
		haveEvent = true
	)
	err := db.QueryRowContext(ctx, `
		SELECT seq, entries_after, exits_after, occupancy_after
		FROM crossing_events
		ORDER BY seq DESC, rowid DESC
		LIMIT 1`).Scan(&evSeq, &c.Entries, &c.Exits, &c.Occupancy)
	if errors.Is(err, sql.ErrNoRows) {
		haveEvent = false
	} else if err != nil {
		return counting.Counts{}, 0, fmt.Errorf("latest event: %w", err)
	}

	if err := db.QueryRowContext(ctx, `SELECT MAX(last_seq) FROM count_resets`).Scan(&resetSeq); err != nil {
		return counting.Counts{}, 0, fmt.Errorf("latest reset: %w", err)
	}
	seq := uint64(max(evSeq, resetSeq.Int64))
	if !haveEvent || (resetSeq.Valid && resetSeq.Int64 >= evSeq) {
		return counting.Counts{}, seq, nil
	}
	return c, seq, nil
}

func scanEvents(rows *sql.Rows) ([]counting.CrossingEvent, error) {
	defer rows.Close()

	events := []counting.CrossingEvent{}
	for rows.Next() {
		var (
			ev    counting.CrossingEvent
			id    string
			dir   string
			ts    float64
			frame int64
			seq   int64
		)
		if err := rows.Scan(&id, &ev.TrackID, &dir, &ts, &ev.StartX, &ev.EndX, &frame, &seq,
			&ev.Counts.Entries, &ev.Counts.Exits, &ev.Counts.Occupancy); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("event id %q: %w", id, err)
		}
		ev.EventID = parsed
		ev.Direction = counting.Direction(dir)
		ev.Timestamp = fromUnixSeconds(ts)
		ev.Frame = uint64(frame)
		ev.Seq = uint64(seq)
		events = append(events, ev)
	}
	return events, rows.Err()
}

const selectEventColumns = `SELECT event_id, track_id, direction, ts_unix, start_x, end_x, frame, seq,
	entries_after, exits_after, occupancy_after FROM crossing_events`

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]counting.CrossingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, selectEventColumns+` ORDER BY ts_unix DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsBetween returns events with start <= ts < end in time order.
func (db *DB) EventsBetween(ctx context.Context, start, end time.Time) ([]counting.CrossingEvent, error) {
	rows, err := db.QueryContext(ctx,
		selectEventColumns+` WHERE ts_unix >= ? AND ts_unix < ? ORDER BY ts_unix ASC, rowid ASC`,
		unixSeconds(start), unixSeconds(end))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// DailyStats summarises one calendar day.
type DailyStats struct {
	Date          string    `json:"date"`
	Entries       int64     `json:"entries"`
	Exits         int64     `json:"exits"`
	NetChange     int64     `json:"net_change"`
	PeakOccupancy int64     `json:"peak_occupancy"`
	PeakAt        time.Time `json:"peak_at,omitempty"`
}

// HourBucket counts crossings within one hour of a day.
type HourBucket struct {
	Hour    int   `json:"hour"`
	Entries int64 `json:"entries"`
	Exits   int64 `json:"exits"`
}

// dayBounds returns midnight of day and the following midnight in day's
// location.
func dayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

// DailyStats returns totals and peak occupancy for the calendar day
// containing day, in day's location.
func (db *DB) DailyStats(ctx context.Context, day time.Time) (DailyStats, error) {
	start, end := dayBounds(day)
	events, err := db.EventsBetween(ctx, start, end)
	if err != nil {
		return DailyStats{}, err
	}

	stats := DailyStats{Date: start.Format("2006-01-02")}
	for i, ev := range events {
		switch ev.Direction {
		case counting.DirectionEntry:
			stats.Entries++
		case counting.DirectionExit:
			stats.Exits++
		}
		if i == 0 || ev.Counts.Occupancy > stats.PeakOccupancy {
			stats.PeakOccupancy = ev.Counts.Occupancy
			stats.PeakAt = ev.Timestamp.In(day.Location())
		}
	}
	stats.NetChange = stats.Entries - stats.Exits
	return stats, nil
}

// HourlyDistribution returns 24 buckets of entries and exits for the
// calendar day containing day.
func (db *DB) HourlyDistribution(ctx context.Context, day time.Time) ([]HourBucket, error) {
	start, end := dayBounds(day)
	events, err := db.EventsBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}

	buckets := make([]HourBucket, 24)
	for h := range buckets {
		buckets[h].Hour = h
	}
	for _, ev := range events {
		h := ev.Timestamp.In(day.Location()).Hour()
		switch ev.Direction {
		case counting.DirectionEntry:
			buckets[h].Entries++
		case counting.DirectionExit:
			buckets[h].Exits++
		}
	}
	return buckets, nil
}

// RecentAlerts returns up to limit stored alerts, newest first.
func (db *DB) RecentAlerts(ctx context.Context, limit int) ([]alerts.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT alert_id, ts_unix, level, message, occupancy, threshold, crowd_limit
		FROM alerts ORDER BY ts_unix DESC, alert_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []alerts.Alert{}
	for rows.Next() {
		var (
			a     alerts.Alert
			ts    float64
			level string
		)
		if err := rows.Scan(&a.ID, &ts, &level, &a.Message, &a.Occupancy, &a.Threshold, &a.CrowdLimit); err != nil {
			return nil, err
		}
		a.Timestamp = fromUnixSeconds(ts)
		a.Level = alerts.Level(level)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reset is a recorded counter reset.
type Reset struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	LastSeq       uint64    `json:"last_seq"`
	EntriesBefore int64     `json:"entries_before"`
	ExitsBefore   int64     `json:"exits_before"`
	Notes         string    `json:"notes,omitempty"`
}

// RecentResets returns up to limit resets, newest first.
func (db *DB) RecentResets(ctx context.Context, limit int) ([]Reset, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT reset_id, ts_unix, last_seq, entries_before, exits_before, COALESCE(notes, '')
		FROM count_resets ORDER BY ts_unix DESC, reset_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Reset{}
	for rows.Next() {
		var (
			r   Reset
			ts  float64
			seq int64
		)
		if err := rows.Scan(&r.ID, &ts, &seq, &r.EntriesBefore, &r.ExitsBefore, &r.Notes); err != nil {
			return nil, err
		}
		r.Timestamp = fromUnixSeconds(ts)
		r.LastSeq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}
