// Package journal is an optional sqlite log of query results. Each CLI
// invocation opens a run (a UUID) and appends one measurement per query
// it answers, so rates and delay fits can be compared across sessions.
//
// The journal never feeds back into queries; losing it loses history only.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"tagring/query"
	"tagring/tagerr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - runs + measurements
const currentSchemaVersion = 1

// Measurement kinds.
const (
	KindSingles      = "singles"
	KindCoincidences = "coincidences"
	KindDelay        = "delay"
)

// Journal wraps a sqlite database in WAL mode.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Run is one journal session.
type Run struct {
	ID        uuid.UUID
	Command   string
	Buffer    string
	StartedAt time.Time
}

// Measurement is one recorded query result. Value is the headline number
// (total singles, coincidence count, central delay); Payload is the full
// result as JSON.
type Measurement struct {
	Seq        int64
	Run        uuid.UUID
	Kind       string
	Buffer     string
	ReadTime   float64
	Value      float64
	Payload    string
	RecordedAt time.Time
}

// Open creates or opens the journal at path and applies the schema.
func Open(path string) (*Journal, error) {
	const op = "journal.Open"
	// Per-connection pragmas ride on the DSN.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, op, path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, tagerr.Wrap(tagerr.Resource, op, path, err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, tagerr.Wrap(tagerr.Resource, op, path, err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, tagerr.Wrap(tagerr.Resource, op, path, err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec("PRAGMA user_version = " + strconv.Itoa(currentSchemaVersion)); err != nil {
			return err
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////
// Runs
///////////////////////////////////////////////////////////////////////////////

// NewRun opens a session for command against buffer.
func (j *Journal) NewRun(ctx context.Context, command, buffer string) (Run, error) {
	r := Run{ID: uuid.New(), Command: command, Buffer: buffer, StartedAt: j.now().UTC()}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, buffer, started_at) VALUES (?, ?, ?, ?)`,
		r.ID.String(), command, buffer, r.StartedAt.UnixNano())
	if err != nil {
		return Run{}, tagerr.Wrap(tagerr.Resource, "journal.NewRun", buffer, err)
	}
	return r, nil
}

// Runs lists sessions, newest first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, command, buffer, started_at FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, "journal.Runs", "", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r  Run
			id string
			ts int64
		)
		if err := rows.Scan(&id, &r.Command, &r.Buffer, &ts); err != nil {
			return nil, tagerr.Wrap(tagerr.Resource, "journal.Runs", "", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, tagerr.Wrap(tagerr.Format, "journal.Runs", "", err)
		}
		r.StartedAt = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

///////////////////////////////////////////////////////////////////////////////
// Measurements
///////////////////////////////////////////////////////////////////////////////

type singlesPayload struct {
	Total      uint64   `json:"total"`
	PerChannel []uint64 `json:"per_channel"`
	Start      uint64   `json:"start"`
	Stop       uint64   `json:"stop"`
}

type coincidencePayload struct {
	Channels []int     `json:"channels"`
	Delays   []float64 `json:"delays,omitempty"`
	Window   float64   `json:"window"`
	Count    uint64    `json:"count"`
}

type delayPayload struct {
	A            int     `json:"a"`
	B            int     `json:"b"`
	Resolution   float64 `json:"resolution"`
	Window       float64 `json:"window"`
	T0           float64 `json:"t0"`
	Tau1         float64 `json:"tau1"`
	Tau2         float64 `json:"tau2"`
	CentralDelay float64 `json:"central_delay"`
	MaxIntensity float64 `json:"max_intensity"`
}

// RecordSingles journals a singles tally.
func (j *Journal) RecordSingles(ctx context.Context, run Run, readTime float64, s query.Singles) error {
	return j.insert(ctx, run, KindSingles, readTime, float64(s.Total), singlesPayload{
		Total:      s.Total,
		PerChannel: s.PerChannel,
		Start:      s.Start,
		Stop:       s.Stop,
	})
}

// RecordCoincidences journals a coincidence count.
func (j *Journal) RecordCoincidences(ctx context.Context, run Run, q query.CoincidenceQuery, count uint64) error {
	chans := make([]int, len(q.Channels))
	for i, c := range q.Channels {
		chans[i] = int(c)
	}
	return j.insert(ctx, run, KindCoincidences, q.ReadTime, float64(count), coincidencePayload{
		Channels: chans,
		Delays:   q.Delays,
		Window:   q.Window,
		Count:    count,
	})
}

// RecordDelay journals a delay fit.
func (j *Journal) RecordDelay(ctx context.Context, run Run, q query.DelayQuery, r *query.DelayResult) error {
	return j.insert(ctx, run, KindDelay, q.ReadTime, r.CentralDelay, delayPayload{
		A:            int(q.A),
		B:            int(q.B),
		Resolution:   q.Resolution,
		Window:       r.Window,
		T0:           r.T0,
		Tau1:         r.Tau1,
		Tau2:         r.Tau2,
		CentralDelay: r.CentralDelay,
		MaxIntensity: r.MaxIntensity,
	})
}

func (j *Journal) insert(ctx context.Context, run Run, kind string, readTime, value float64, payload any) error {
	const op = "journal.Record"
	body, err := sonnet.Marshal(payload)
	if err != nil {
		return tagerr.Wrap(tagerr.Format, op, run.Buffer, err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO measurements (run_id, kind, buffer, read_time, value, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), kind, run.Buffer, readTime, value, string(body), j.now().UTC().UnixNano())
	if err != nil {
		return tagerr.Wrap(tagerr.Resource, op, run.Buffer, err)
	}
	return nil
}

// Measurements returns the measurements of run in insertion order.
func (j *Journal) Measurements(ctx context.Context, run uuid.UUID) ([]Measurement, error) {
	const op = "journal.Measurements"
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, kind, buffer, read_time, value, payload, recorded_at
		 FROM measurements WHERE run_id = ? ORDER BY seq`, run.String())
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, op, "", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m := Measurement{Run: run}
		var ts int64
		if err := rows.Scan(&m.Seq, &m.Kind, &m.Buffer, &m.ReadTime, &m.Value, &m.Payload, &ts); err != nil {
			return nil, tagerr.Wrap(tagerr.Resource, op, "", err)
		}
		m.RecordedAt = time.Unix(0, ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
