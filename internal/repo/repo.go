package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"caseline/internal/config"
	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,case_type,country,status,current_step_index,completed_steps_json,fields_json,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var completedJSON, fieldsJSON string
	err := scan(&c.ID, &c.CaseType, &c.Country, &c.Status, &c.CurrentStepIndex, &completedJSON, &fieldsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if completedJSON != "" && completedJSON != "[]" {
		if err := json.Unmarshal([]byte(completedJSON), &c.CompletedSteps); err != nil {
			return c, fmt.Errorf("case %s completed_steps: %w", c.ID, err)
		}
	}
	if fieldsJSON != "" && fieldsJSON != "{}" {
		if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
			return c, fmt.Errorf("case %s fields: %w", c.ID, err)
		}
	}
	return c, nil
}

func caseJSON(c domain.Case) (completed, fields string, err error) {
	completedBytes, err := json.Marshal(c.CompletedSteps)
	if err != nil {
		return "", "", err
	}
	if c.CompletedSteps == nil {
		completedBytes = []byte("[]")
	}
	fieldsBytes := []byte("{}")
	if c.Fields != nil {
		fieldsBytes, err = json.Marshal(c.Fields)
		if err != nil {
			return "", "", err
		}
	}
	return string(completedBytes), string(fieldsBytes), nil
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	completed, fields, err := caseJSON(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CaseType, c.Country, c.Status, c.CurrentStepIndex, completed, fields, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

// UpdateCaseTx writes the full mutable projection back. CreatedAt never
// changes after insert.
func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	completed, fields, err := caseJSON(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET case_type=?, country=?, status=?, current_step_index=?, completed_steps_json=?, fields_json=?, updated_at=? WHERE id=?`,
		c.CaseType, c.Country, c.Status, c.CurrentStepIndex, completed, fields, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCaseTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	CaseType        string
	Status          string
	Country         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.CaseType != "" {
		clauses = append(clauses, "case_type=?")
		args = append(args, f.CaseType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Country != "" {
		clauses = append(clauses, "country=?")
		args = append(args, f.Country)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertNoteTx(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notes(id,case_id,step_id,content,author_name,author_role,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.CaseID, n.StepID, n.Content, n.AuthorName, n.AuthorRole, n.CreatedAt)
	return err
}

// DeleteNoteTx removes one entry by id. Deleting an id that does not exist
// is a no-op, not an error.
func (r Repo) DeleteNoteTx(ctx context.Context, tx *sql.Tx, caseID, noteID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id=? AND case_id=?`, noteID, caseID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListNotes returns a case's journal in insertion order.
func (r Repo) ListNotes(ctx context.Context, caseID string) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,step_id,content,author_name,author_role,created_at FROM notes WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.CaseID, &n.StepID, &n.Content, &n.AuthorName, &n.AuthorRole, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,case_id,field_name,display_name,storage_path,size,checksum,uploaded_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.CaseID, d.FieldName, d.DisplayName, d.StoragePath, d.Size, d.Checksum, d.UploadedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	err := r.DB.QueryRowContext(ctx, `SELECT id,case_id,field_name,display_name,storage_path,size,checksum,uploaded_at FROM documents WHERE id=?`, id).
		Scan(&d.ID, &d.CaseID, &d.FieldName, &d.DisplayName, &d.StoragePath, &d.Size, &d.Checksum, &d.UploadedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) DeleteDocumentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDocuments(ctx context.Context, caseID, fieldName string) ([]domain.Document, error) {
	clauses := []string{"case_id=?"}
	args := []any{caseID}
	if fieldName != "" {
		clauses = append(clauses, "field_name=?")
		args = append(args, fieldName)
	}
	query := `SELECT id,case_id,field_name,display_name,storage_path,size,checksum,uploaded_at FROM documents WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY uploaded_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.FieldName, &d.DisplayName, &d.StoragePath, &d.Size, &d.Checksum, &d.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DocumentFieldNames returns the distinct field names with at least one
// upload for a case. Multiple uploads per field count once.
func (r Repo) DocumentFieldNames(ctx context.Context, caseID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT field_name FROM documents WHERE case_id=?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		keys[name] = true
	}
	return keys, rows.Err()
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.StepAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO step_assignments(id,case_id,case_type,step_index,assignee,due_date,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.CaseType, a.StepIndex, a.Assignee, nullableStringPtr(a.DueDate), a.CreatedAt)
	return err
}

type AssignmentFilters struct {
	CaseID   string
	CaseType string
	Assignee string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.StepAssignment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.CaseType != "" {
		clauses = append(clauses, "case_type=?")
		args = append(args, f.CaseType)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT id,case_id,case_type,step_index,assignee,due_date,created_at FROM step_assignments WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY step_index ASC, created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepAssignment
	for rows.Next() {
		var a domain.StepAssignment
		var due sql.NullString
		if err := rows.Scan(&a.ID, &a.CaseID, &a.CaseType, &a.StepIndex, &a.Assignee, &due, &a.CreatedAt); err != nil {
			return nil, err
		}
		if due.Valid {
			a.DueDate = &due.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertOfficeConfig stores the office catalog YAML. One office per
// database.
func (r Repo) UpsertOfficeConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO config(id,yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetOfficeConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

func (r Repo) LatestEvents(ctx context.Context, limit int, caseID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, caseID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, caseID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,case_id,entity_kind,entity_id,actor_name,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, caseID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,case_id,entity_kind,entity_id,actor_name,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var caseID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &caseID, &e.EntityKind, &entityID, &e.ActorName, &payload); err != nil {
			return nil, err
		}
		if caseID.Valid {
			e.CaseID = caseID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent journal event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) GetWebhookCursor(ctx context.Context, hookURL string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook_url=?`, hookURL).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookURL string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_url,last_event_id) VALUES (?,?)
ON CONFLICT(hook_url) DO UPDATE SET last_event_id=excluded.last_event_id`, hookURL, eventID)
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
