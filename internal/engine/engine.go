package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/notes"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID        string
	CaseType  string
	Country   string
	Fields    map[string]any
	ActorName string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if e.Config == nil {
		return domain.Case{}, errors.New("config not loaded")
	}
	if opts.CaseType == "" {
		return domain.Case{}, errors.New("case type is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Case{
		ID:        id,
		CaseType:  opts.CaseType,
		Country:   opts.Country,
		Status:    "open",
		Fields:    opts.Fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorName, events.EventPayload{
		"case_type": c.CaseType,
		"country":   c.Country,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// CasePatchOptions carry a partial update. Nil pointers leave the stored
// value untouched; Fields entries merge key by key, a nil value deletes
// the key. CaseType is immutable after creation: changing it would
// invalidate step indices.
type CasePatchOptions struct {
	ID               string
	Status           string
	Country          *string
	CurrentStepIndex *int
	CompletedSteps   *[]int
	Fields           map[string]any
	ActorName        string
}

func (e Engine) PatchCase(ctx context.Context, opts CasePatchOptions) (domain.Case, error) {
	if e.Config == nil {
		return domain.Case{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	if opts.Status != "" {
		switch opts.Status {
		case "open", "archived", "closed":
		default:
			return c, fmt.Errorf("unknown case status %q", opts.Status)
		}
		c.Status = opts.Status
	}
	if opts.Country != nil {
		c.Country = *opts.Country
	}
	total := len(workflow.StepsFor(e.Config, c.CaseType))
	if opts.CurrentStepIndex != nil {
		if *opts.CurrentStepIndex < 0 || *opts.CurrentStepIndex >= total {
			return c, fmt.Errorf("current step index %d out of range [0,%d)", *opts.CurrentStepIndex, total)
		}
		c.CurrentStepIndex = *opts.CurrentStepIndex
	}
	if opts.CompletedSteps != nil {
		c.CompletedSteps = workflow.NormalizeCompleted(*opts.CompletedSteps, total)
	}
	if len(opts.Fields) > 0 {
		if c.Fields == nil {
			c.Fields = map[string]any{}
		}
		for k, v := range opts.Fields {
			if v == nil {
				delete(c.Fields, k)
				continue
			}
			c.Fields[k] = v
		}
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCaseTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "case.updated", c.ID, "case", c.ID, opts.ActorName, events.EventPayload{
		"status": c.Status,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// DeleteCase removes a case and its rows, and returns the documents that
// were attached so the caller can delete their stored files after the
// commit.
func (e Engine) DeleteCase(ctx context.Context, id, actorName string) ([]domain.Document, error) {
	docs, err := e.Repo.ListDocuments(ctx, id, "")
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteCaseTx(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "case.deleted", id, "case", id, actorName, events.EventPayload{
		"documents": len(docs),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return docs, nil
}

// CaseWorkflow is the derived step view for one case.
type CaseWorkflow struct {
	Case         domain.Case
	Policy       string
	Steps        []workflow.StepStatus
	CurrentIndex int
}

func (e Engine) GetCaseWorkflow(ctx context.Context, id string) (CaseWorkflow, error) {
	if e.Config == nil {
		return CaseWorkflow{}, errors.New("config not loaded")
	}
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return CaseWorkflow{}, err
	}
	titles := workflow.StepsFor(e.Config, c.CaseType)
	state := stateOf(c, len(titles))
	return CaseWorkflow{
		Case:         c,
		Policy:       workflow.PolicyFor(e.Config, c.CaseType),
		Steps:        workflow.Statuses(state, titles),
		CurrentIndex: state.DisplayCurrentIndex(),
	}, nil
}

// StepAdvanceOptions identify one step transition.
type StepAdvanceOptions struct {
	CaseID    string
	StepIndex int
	// ForwardOnly forces completion semantics even for symmetric
	// workflows; the toggle surface leaves it false.
	ForwardOnly bool
	ActorName   string
}

// AdvanceStep applies one step transition under the case type's policy.
// Completing the intake step of a gated workflow requires every mandatory
// document key to be present; a refusal returns
// workflow.MissingDocumentsError with nothing mutated.
func (e Engine) AdvanceStep(ctx context.Context, opts StepAdvanceOptions) (CaseWorkflow, error) {
	if e.Config == nil {
		return CaseWorkflow{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CaseWorkflow{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return CaseWorkflow{}, err
	}
	titles := workflow.StepsFor(e.Config, c.CaseType)
	state := stateOf(c, len(titles))
	completing := opts.StepIndex >= 0 && opts.StepIndex < len(titles) && !state.Completed()[opts.StepIndex]

	if completing && opts.StepIndex == 0 && workflow.GatesIntake(e.Config, c.CaseType) {
		uploaded, err := e.uploadedKeys(ctx, c)
		if err != nil {
			return CaseWorkflow{}, err
		}
		groups := workflow.RequirementsFor(e.Config, c.CaseType, c.Country)
		if err := workflow.CheckIntake(groups, uploaded); err != nil {
			return CaseWorkflow{}, err
		}
	}

	policy := workflow.PolicyFor(e.Config, c.CaseType)
	if opts.ForwardOnly {
		policy = config.PolicyForwardOnly
	}
	next, err := workflow.Advance(policy, state, opts.StepIndex)
	if err != nil {
		return CaseWorkflow{}, err
	}
	from := c.CurrentStepIndex
	c.CurrentStepIndex = next.CurrentStepIndex
	c.CompletedSteps = next.CompletedSteps
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCaseTx(ctx, tx, c); err != nil {
		return CaseWorkflow{}, err
	}
	evtType := "case.step.completed"
	if !completing {
		evtType = "case.step.reopened"
	}
	if err := e.Events.Append(ctx, tx, evtType, c.ID, "case", c.ID, opts.ActorName, events.EventPayload{
		"step_index": opts.StepIndex,
		"from_index": from,
		"to_index":   c.CurrentStepIndex,
	}); err != nil {
		return CaseWorkflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return CaseWorkflow{}, err
	}
	return CaseWorkflow{
		Case:         c,
		Policy:       policy,
		Steps:        workflow.Statuses(next, titles),
		CurrentIndex: next.DisplayCurrentIndex(),
	}, nil
}

// PendingDocuments resolves the checklist for a case against what has
// actually been uploaded.
func (e Engine) PendingDocuments(ctx context.Context, caseID string) (workflow.PendingReport, error) {
	if e.Config == nil {
		return workflow.PendingReport{}, errors.New("config not loaded")
	}
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return workflow.PendingReport{}, err
	}
	uploaded, err := e.uploadedKeys(ctx, c)
	if err != nil {
		return workflow.PendingReport{}, err
	}
	groups := workflow.RequirementsFor(e.Config, c.CaseType, c.Country)
	return workflow.ResolvePending(groups, uploaded), nil
}

// uploadedKeys unions document field names with legacy scalar fields on
// the record that mark a document as present. Duplicates are harmless.
func (e Engine) uploadedKeys(ctx context.Context, c domain.Case) (map[string]bool, error) {
	keys, err := e.Repo.DocumentFieldNames(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Fields {
		if truthyField(v) {
			keys[k] = true
		}
	}
	return keys, nil
}

func truthyField(v any) bool {
	switch x := v.(type) {
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	case nil:
		return false
	default:
		return true
	}
}

// NoteCreateOptions carry one journal append.
type NoteCreateOptions struct {
	CaseID     string
	StepID     int
	Content    string
	AuthorName string
}

// AddNote appends one entry to the case journal. Whitespace-only content
// is skipped without error; ok reports whether an entry was recorded.
func (e Engine) AddNote(ctx context.Context, opts NoteCreateOptions) (domain.Note, bool, error) {
	if e.Config == nil {
		return domain.Note{}, false, errors.New("config not loaded")
	}
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Note{}, false, err
	}
	n, ok := notes.Build(c.ID, opts.StepID, opts.Content, opts.AuthorName, e.Config.Roster, e.now())
	if !ok {
		return domain.Note{}, false, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Note{}, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertNoteTx(ctx, tx, n); err != nil {
		return domain.Note{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "note.added", c.ID, "note", n.ID, n.AuthorName, events.EventPayload{
		"step_id": n.StepID,
	}); err != nil {
		return domain.Note{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Note{}, false, err
	}
	return n, true, nil
}

// RemoveNote deletes one entry by id. Removing an id that does not exist
// is a no-op.
func (e Engine) RemoveNote(ctx context.Context, caseID, noteID, actorName string) error {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := e.Repo.DeleteNoteTx(ctx, tx, caseID, noteID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := e.Events.Append(ctx, tx, "note.removed", caseID, "note", noteID, actorName, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// DocumentRegisterOptions describe one stored upload.
type DocumentRegisterOptions struct {
	CaseID      string
	FieldName   string
	DisplayName string
	StoragePath string
	Size        int64
	Checksum    string
	ActorName   string
}

func (e Engine) RegisterDocument(ctx context.Context, opts DocumentRegisterOptions) (domain.Document, error) {
	if opts.FieldName == "" {
		return domain.Document{}, errors.New("field name is required")
	}
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Document{}, err
	}
	d := domain.Document{
		ID:          uuid.NewString(),
		CaseID:      c.ID,
		FieldName:   opts.FieldName,
		DisplayName: opts.DisplayName,
		StoragePath: opts.StoragePath,
		Size:        opts.Size,
		Checksum:    opts.Checksum,
		UploadedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if d.DisplayName == "" {
		d.DisplayName = d.FieldName
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDocumentTx(ctx, tx, d); err != nil {
		return domain.Document{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.registered", c.ID, "document", d.ID, opts.ActorName, events.EventPayload{
		"field_name": d.FieldName,
		"size":       d.Size,
	}); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// DeleteDocument removes the record and returns it so the caller can
// delete the stored file after the commit.
func (e Engine) DeleteDocument(ctx context.Context, id, actorName string) (domain.Document, error) {
	d, err := e.Repo.GetDocument(ctx, id)
	if err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteDocumentTx(ctx, tx, id); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "document.deleted", d.CaseID, "document", d.ID, actorName, events.EventPayload{
		"field_name": d.FieldName,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// AssignmentCreateOptions bind a step to a responsible party.
type AssignmentCreateOptions struct {
	CaseID    string
	StepIndex int
	Assignee  string
	DueDate   *string
	ActorName string
}

func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.StepAssignment, error) {
	if e.Config == nil {
		return domain.StepAssignment{}, errors.New("config not loaded")
	}
	if opts.Assignee == "" {
		return domain.StepAssignment{}, errors.New("assignee is required")
	}
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.StepAssignment{}, err
	}
	total := len(workflow.StepsFor(e.Config, c.CaseType))
	if opts.StepIndex < 0 || opts.StepIndex >= total {
		return domain.StepAssignment{}, fmt.Errorf("step index %d out of range [0,%d)", opts.StepIndex, total)
	}
	a := domain.StepAssignment{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		CaseType:  c.CaseType,
		StepIndex: opts.StepIndex,
		Assignee:  opts.Assignee,
		DueDate:   opts.DueDate,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", c.ID, "assignment", a.ID, opts.ActorName, events.EventPayload{
		"step_index": a.StepIndex,
		"assignee":   a.Assignee,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func stateOf(c domain.Case, total int) workflow.State {
	return workflow.State{
		TotalSteps:       total,
		CurrentStepIndex: c.CurrentStepIndex,
		CompletedSteps:   workflow.NormalizeCompleted(c.CompletedSteps, total),
	}
}
