package caserecord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

const recordColumns = `uuid, case_name, process_num, runner_image_tag, status, deleted, created_at, updated_at`

// SQLStore implements Store over database/sql for sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an opened and migrated database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) q(query string) string { return rebind(s.dialect, query) }

func (s *SQLStore) Create(ctx context.Context, rec evaluation.CaseRecord) error {
	if strings.TrimSpace(rec.UUID) == "" {
		return evaluation.NewError(evaluation.ErrInvalidParams, "uuid is required", nil, nil)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = evaluation.StatusInit
	}

	var live int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM case_record WHERE uuid = ? AND deleted = 0`), rec.UUID).Scan(&live); err != nil {
		return err
	}
	if live > 0 {
		return evaluation.NewError(evaluation.ErrCaseExists, "", nil, map[string]any{"uuid": rec.UUID})
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO case_record (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.UUID,
		rec.CaseName,
		rec.ProcessNum,
		rec.RunnerImageTag,
		string(rec.Status),
		boolToInt(rec.Deleted),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert case record %s: %w", rec.UUID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (evaluation.CaseRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM case_record WHERE uuid = ? AND deleted = 0`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return evaluation.CaseRecord{}, notFound(id)
	}
	return rec, err
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]evaluation.CaseRecord, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + recordColumns + ` FROM case_record` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evaluation.CaseRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM case_record`+where), args...).Scan(&n)
	return n, err
}

func (s *SQLStore) Update(ctx context.Context, ids []string, patch Patch) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC().Format(time.RFC3339Nano)}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Deleted != nil {
		sets = append(sets, "deleted = ?")
		args = append(args, boolToInt(*patch.Deleted))
	}
	if patch.RunnerImageTag != nil {
		sets = append(sets, "runner_image_tag = ?")
		args = append(args, *patch.RunnerImageTag)
	}
	if len(sets) == 1 {
		return 0, nil
	}
	query := `UPDATE case_record SET ` + strings.Join(sets, ", ") +
		` WHERE deleted = 0 AND uuid IN (` + placeholders(len(ids)) + `)`
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Transition(ctx context.Context, id string, to evaluation.CaseStatus) (evaluation.CaseStatus, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if current.Status == to {
		return current.Status, nil
	}
	from := predecessors(to)
	if !containsStatus(from, current.Status) {
		return current.Status, illegalTransition(id, current.Status, to)
	}

	args := []any{string(to), s.now().UTC().Format(time.RFC3339Nano), id, string(current.Status)}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE case_record SET status = ?, updated_at = ? WHERE uuid = ? AND deleted = 0 AND status = ?`), args...)
	if err != nil {
		return current.Status, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return current.Status, err
	}
	if n == 0 {
		// the record moved or was deleted between read and write
		latest, getErr := s.Get(ctx, id)
		if getErr != nil {
			return current.Status, getErr
		}
		return latest.Status, illegalTransition(id, latest.Status, to)
	}
	return current.Status, nil
}

func (s *SQLStore) MarkAbandoned(ctx context.Context) (int64, error) {
	terminal := evaluation.TerminalStatuses()
	args := []any{string(evaluation.StatusException), s.now().UTC().Format(time.RFC3339Nano)}
	for _, st := range terminal {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE case_record SET status = ?, updated_at = ? WHERE status NOT IN (`+placeholders(len(terminal))+`)`), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (evaluation.CaseRecord, error) {
	var (
		rec       evaluation.CaseRecord
		status    string
		deleted   int
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&rec.UUID, &rec.CaseName, &rec.ProcessNum, &rec.RunnerImageTag, &status, &deleted, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	rec.Status = evaluation.CaseStatus(status)
	rec.Deleted = deleted != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func buildWhere(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	switch {
	case f.OnlyDeleted:
		clauses = append(clauses, "deleted = 1")
	case !f.IncludeDeleted:
		clauses = append(clauses, "deleted = 0")
	}
	if f.UUID != "" {
		clauses = append(clauses, "uuid = ?")
		args = append(args, f.UUID)
	}
	if len(f.UUIDs) > 0 {
		clauses = append(clauses, "uuid IN ("+placeholders(len(f.UUIDs))+")")
		for _, id := range f.UUIDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsStatus(list []evaluation.CaseStatus, s evaluation.CaseStatus) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var _ Store = (*SQLStore)(nil)
