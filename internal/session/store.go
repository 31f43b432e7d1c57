package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/recorder"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

const timeLayout = time.RFC3339Nano

// Store keeps completed tests and preferred devices in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
	logger logrus.FieldLogger
}

var _ engine.ResultSink = (*Store)(nil)

// Summary is one row of the session list.
type Summary struct {
	ID             string
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration
	Steps          int
	Samples        int
	LactateEntries int
}

// Session is a stored test with everything the engine handed off.
type Session struct {
	Summary
	Result engine.Result
}

// DevicePreference is the device last used for a device type.
type DevicePreference struct {
	DeviceType telemetry.DeviceType
	Address    string
	Name       string
	UpdatedAt  time.Time
}

// Open opens or creates the session database.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		panic("session.Store: logger cannot be nil")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// One writer at a time; result saves and preference updates may overlap.
	db.SetMaxOpenConns(1)

	store := &Store{
		DBPath: absPath,
		db:     db,
		logger: logger.WithField("component", "SessionStore"),
	}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func metricColumns() []string {
	cols := make([]string, len(telemetry.AllMetrics))
	for i, m := range telemetry.AllMetrics {
		cols[i] = string(m)
	}
	return cols
}

func (s *Store) ensureSchema() error {
	var sampleCols strings.Builder
	for _, c := range metricColumns() {
		fmt.Fprintf(&sampleCols, "\t%s REAL,\n", c)
	}

	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	duration_s INTEGER NOT NULL,
	work_duration INTEGER NOT NULL,
	recovery_duration INTEGER NOT NULL,
	start_power INTEGER NOT NULL,
	power_increment INTEGER NOT NULL,
	max_steps INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_steps (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	step INTEGER NOT NULL,
	target_power INTEGER NOT NULL,
	duration INTEGER NOT NULL,
	recovery_duration INTEGER NOT NULL,
	PRIMARY KEY (session_id, step)
);

CREATE TABLE IF NOT EXISTS samples (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	step INTEGER NOT NULL,
	phase TEXT NOT NULL,
	interval_time INTEGER NOT NULL,
	total_time INTEGER NOT NULL,
` + sampleCols.String() + `	updated_at TEXT,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS lactate_entries (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	step INTEGER NOT NULL,
	power REAL NOT NULL,
	lactate REAL NOT NULL,
	borg INTEGER,
	time_s INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

CREATE TABLE IF NOT EXISTS device_preferences (
	device_type TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	name TEXT,
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}
	return nil
}

// SaveResult stores a completed test under a new id.
func (s *Store) SaveResult(ctx context.Context, r engine.Result) error {
	_, err := s.Save(ctx, r)
	return err
}

// Save stores r and returns its session id.
func (s *Store) Save(ctx context.Context, r engine.Result) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := r.Protocol
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, completed_at, duration_s, work_duration,
			recovery_duration, start_power, power_increment, max_steps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, formatTime(r.StartedAt), formatTime(r.CompletedAt), int(r.TestDuration/time.Second),
		p.WorkDuration, p.RecoveryDuration, p.StartPower, p.PowerIncrement, len(p.Steps))
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	for _, st := range p.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_steps (session_id, step, target_power, duration, recovery_duration)
			VALUES (?, ?, ?, ?, ?)
		`, id, st.StepNumber, st.TargetPower, st.Duration, st.RecoveryDuration)
		if err != nil {
			return "", fmt.Errorf("insert step %d: %w", st.StepNumber, err)
		}
	}

	if err := insertSamples(ctx, tx, id, r.Samples); err != nil {
		return "", err
	}

	for i, e := range r.LactateEntries {
		var borg any
		if e.Borg != nil {
			borg = *e.Borg
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lactate_entries (session_id, seq, step, power, lactate, borg, time_s, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, i, e.Step, e.Power, e.Lactate, borg, e.Time, formatTime(e.RecordedAt))
		if err != nil {
			return "", fmt.Errorf("insert lactate entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	s.logger.Infof("Saved session %s (%d samples, %d lactate entries)", id, len(r.Samples), len(r.LactateEntries))
	return id, nil
}

func insertSamples(ctx context.Context, tx *sql.Tx, id string, samples []recorder.Sample) error {
	cols := metricColumns()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 7+len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO samples (session_id, seq, step, phase, interval_time, total_time, %s, updated_at) VALUES (%s)",
		strings.Join(cols, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, smp := range samples {
		args := []any{id, i, smp.Step, smp.Phase, smp.IntervalTime, smp.TotalTime}
		for _, m := range telemetry.AllMetrics {
			if v, ok := smp.Get(m); ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, formatTime(smp.Timestamp))
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert sample %d: %w", i, err)
		}
	}
	return nil
}

// List returns all sessions, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.completed_at, s.duration_s, s.max_steps,
			(SELECT COUNT(*) FROM samples WHERE session_id = s.id),
			(SELECT COUNT(*) FROM lactate_entries WHERE session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		sum                    Summary
		startedAt, completedAt string
		durationS              int
	)
	if err := row.Scan(&sum.ID, &startedAt, &completedAt, &durationS, &sum.Steps, &sum.Samples, &sum.LactateEntries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("scan session: %w", err)
	}
	sum.StartedAt = parseTime(startedAt)
	sum.CompletedAt = parseTime(completedAt)
	sum.Duration = time.Duration(durationS) * time.Second
	return sum, nil
}

// Load reads a complete session.
func (s *Store) Load(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.started_at, s.completed_at, s.duration_s, s.max_steps,
			(SELECT COUNT(*) FROM samples WHERE session_id = s.id),
			(SELECT COUNT(*) FROM lactate_entries WHERE session_id = s.id)
		FROM sessions s WHERE s.id = ?
	`, id)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, err
	}

	sess := Session{Summary: sum}
	sess.Result.StartedAt = sum.StartedAt
	sess.Result.CompletedAt = sum.CompletedAt
	sess.Result.TestDuration = sum.Duration

	if sess.Result.Protocol, err = s.loadProtocol(ctx, id); err != nil {
		return Session{}, err
	}
	if sess.Result.Samples, err = s.loadSamples(ctx, id); err != nil {
		return Session{}, err
	}
	if sess.Result.LactateEntries, err = s.loadLactate(ctx, id); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) loadProtocol(ctx context.Context, id string) (protocol.Protocol, error) {
	var p protocol.Protocol
	err := s.db.QueryRowContext(ctx, `
		SELECT work_duration, recovery_duration, start_power, power_increment, max_steps
		FROM sessions WHERE id = ?
	`, id).Scan(&p.WorkDuration, &p.RecoveryDuration, &p.StartPower, &p.PowerIncrement, &p.MaxSteps)
	if err != nil {
		return p, fmt.Errorf("load protocol: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step, target_power, duration, recovery_duration
		FROM session_steps WHERE session_id = ? ORDER BY step
	`, id)
	if err != nil {
		return p, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st protocol.Step
		if err := rows.Scan(&st.StepNumber, &st.TargetPower, &st.Duration, &st.RecoveryDuration); err != nil {
			return p, fmt.Errorf("scan step: %w", err)
		}
		p.Steps = append(p.Steps, st)
	}
	return p, rows.Err()
}

func (s *Store) loadSamples(ctx context.Context, id string) ([]recorder.Sample, error) {
	cols := metricColumns()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT step, phase, interval_time, total_time, %s, updated_at FROM samples WHERE session_id = ? ORDER BY seq",
		strings.Join(cols, ", ")), id)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()

	var out []recorder.Sample
	for rows.Next() {
		var (
			smp       recorder.Sample
			values    = make([]sql.NullFloat64, len(cols))
			updatedAt sql.NullString
		)
		dest := []any{&smp.Step, &smp.Phase, &smp.IntervalTime, &smp.TotalTime}
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &updatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		for i, m := range telemetry.AllMetrics {
			if values[i].Valid {
				_ = smp.Set(m, values[i].Float64)
			}
		}
		smp.Timestamp = parseTime(updatedAt.String)
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *Store) loadLactate(ctx context.Context, id string) ([]lactate.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, power, lactate, borg, time_s, recorded_at
		FROM lactate_entries WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load lactate entries: %w", err)
	}
	defer rows.Close()

	var out []lactate.Entry
	for rows.Next() {
		var (
			e          lactate.Entry
			borg       sql.NullInt64
			recordedAt string
		)
		if err := rows.Scan(&e.Step, &e.Power, &e.Lactate, &borg, &e.Time, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan lactate entry: %w", err)
		}
		if borg.Valid {
			b := int(borg.Int64)
			e.Borg = &b
		}
		e.RecordedAt = parseTime(recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetPreferredDevice remembers address as the device to connect for
// deviceType.
func (s *Store) SetPreferredDevice(ctx context.Context, pref DevicePreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_preferences (device_type, address, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_type) DO UPDATE SET
			address = excluded.address,
			name = excluded.name,
			updated_at = excluded.updated_at
	`, string(pref.DeviceType), pref.Address, pref.Name, formatTime(pref.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save device preference: %w", err)
	}
	return nil
}

// PreferredDevices returns the remembered device per device type.
func (s *Store) PreferredDevices(ctx context.Context) (map[telemetry.DeviceType]DevicePreference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_type, address, name, updated_at FROM device_preferences`)
	if err != nil {
		return nil, fmt.Errorf("load device preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[telemetry.DeviceType]DevicePreference)
	for rows.Next() {
		var (
			pref                DevicePreference
			deviceType, updated string
			name                sql.NullString
		)
		if err := rows.Scan(&deviceType, &pref.Address, &name, &updated); err != nil {
			return nil, fmt.Errorf("scan device preference: %w", err)
		}
		pref.DeviceType = telemetry.DeviceType(deviceType)
		pref.Name = name.String
		pref.UpdatedAt = parseTime(updated)
		out[pref.DeviceType] = pref
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
