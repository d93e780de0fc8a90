package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with "?" placeholders; rebind rewrites them for the
// driver.
type sqlStore struct {
	db     *sql.DB
	rebind func(string) string
}

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites "?" placeholders to "$1", "$2", ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Projects ---

const projectColumns = `id, name, api_key_hash, api_key_prefix, controller_connected, controller_info,
	connected_at, last_seen, created_at`

func scanProject(row scanner) (*Project, error) {
	var p Project
	var info string
	var connectedAt, lastSeen sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.ControllerConnected, &info,
		&connectedAt, &lastSeen, &p.CreatedAt); err != nil {
		return nil, err
	}
	if info != "" {
		p.ControllerInfo = json.RawMessage(info)
	}
	p.ConnectedAt = nullTime(connectedAt)
	p.LastSeen = nullTime(lastSeen)
	return &p, nil
}

func (s *sqlStore) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO projects (id, name, api_key_hash, api_key_prefix, controller_connected, controller_info, created_at)
		 VALUES (?, ?, ?, ?, ?, '', ?)`,
		p.ID, p.Name, p.APIKeyHash, p.APIKeyPrefix, false, p.CreatedAt,
	)
	return err
}

func (s *sqlStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *sqlStore) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*Project, error) {
	p, err := scanProject(s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE api_key_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *sqlStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (s *sqlStore) SetProjectAPIKeyHash(ctx context.Context, id, hash, prefix string) error {
	res, err := s.exec(ctx,
		`UPDATE projects SET api_key_hash = ?, api_key_prefix = ? WHERE id = ?`, hash, prefix, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Controller presence ---

func (s *sqlStore) MarkControllerConnected(ctx context.Context, projectID string, info json.RawMessage) (bool, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE projects SET controller_connected = ?, controller_info = ?, connected_at = ?, last_seen = ?
		 WHERE id = ? AND controller_connected = ?`,
		true, string(info), now, now, projectID, false,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) MarkControllerDisconnected(ctx context.Context, projectID string) error {
	_, err := s.exec(ctx,
		`UPDATE projects SET controller_connected = ?, last_seen = ? WHERE id = ?`,
		false, time.Now().UTC(), projectID,
	)
	return err
}

func (s *sqlStore) TouchController(ctx context.Context, projectID string) error {
	_, err := s.exec(ctx, `UPDATE projects SET last_seen = ? WHERE id = ?`, time.Now().UTC(), projectID)
	return err
}

func (s *sqlStore) ResetControllerPresence(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE projects SET controller_connected = ? WHERE controller_connected = ?`, false, true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Test runs ---

const runColumns = `id, project_id, name, status, error, created_at, updated_at`

func scanRun(row scanner) (*TestRun, error) {
	var r TestRun
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlStore) CreateTestRun(ctx context.Context, run *TestRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = RunPending
	}
	_, err := s.exec(ctx,
		`INSERT INTO test_runs (id, project_id, name, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Name, run.Status, run.Error, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetTestRun(ctx context.Context, id string) (*TestRun, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *sqlStore) ListTestRuns(ctx context.Context, projectID string, limit int) ([]TestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT `+runColumns+` FROM test_runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []TestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *sqlStore) UpdateTestRunStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.exec(ctx,
		`UPDATE test_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqlStore) AbortRunningTestRuns(ctx context.Context, projectID, reason string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE test_runs SET status = ?, error = ?, updated_at = ?
		 WHERE project_id = ? AND status IN (?, ?)`,
		RunAborted, reason, time.Now().UTC(), projectID, RunPending, RunRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *sqlStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_events (id, project_id, action, actor, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.ProjectID, event.Action, event.Actor, detail, event.CreatedAt,
	)
	return err
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, project_id, action, actor, detail, created_at FROM audit_events WHERE 1 = 1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *sqlStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Health ---

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
