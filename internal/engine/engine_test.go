package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("office-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertOfficeConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestCreateAndGetCaseWorkflow(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "civil-action", ActorName: "Ana"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if c.Status != "open" {
		t.Fatalf("status = %s, want open", c.Status)
	}
	view, err := env.Engine.GetCaseWorkflow(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if len(view.Steps) != 7 {
		t.Fatalf("steps = %d, want 7", len(view.Steps))
	}
	if view.Policy != config.PolicyForwardOnly {
		t.Fatalf("policy = %s", view.Policy)
	}
	if view.CurrentIndex != 0 || !view.Steps[0].Current {
		t.Fatalf("fresh case should sit on step 0: %+v", view.Steps[0])
	}
}

func TestAdvanceStepSymmetricToggle(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		CaseType:  "visa-work",
		Fields:    map[string]any{"passaporte": "uploaded", "contratoTrabalho": "uploaded"},
		ActorName: "Ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 2, ActorName: "Ana"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if want := []int{0, 1, 2}; !reflect.DeepEqual(view.Case.CompletedSteps, want) {
		t.Fatalf("CompletedSteps = %v, want %v", view.Case.CompletedSteps, want)
	}
	// toggling a completed step un-completes it and everything after
	view, err = env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 1, ActorName: "Ana"})
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if want := []int{0}; !reflect.DeepEqual(view.Case.CompletedSteps, want) {
		t.Fatalf("CompletedSteps = %v, want %v", view.Case.CompletedSteps, want)
	}
}

func TestAdvanceStepForwardOnlyNeverRetreats(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "civil-action", ActorName: "Bruno"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 2, ActorName: "Bruno"}); err != nil {
		t.Fatalf("complete step 2: %v", err)
	}
	view, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 1, ActorName: "Bruno"})
	if err != nil {
		t.Fatalf("re-complete step 1: %v", err)
	}
	if want := []int{0, 1, 2}; !reflect.DeepEqual(view.Case.CompletedSteps, want) {
		t.Fatalf("forward-only must not undo: %v", view.Case.CompletedSteps)
	}
	if view.Case.CurrentStepIndex != 2 {
		t.Fatalf("CurrentStepIndex = %d, want 2", view.Case.CurrentStepIndex)
	}
}

func TestIntakeGatingBlocksUntilDocumentsPresent(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "visa-family", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{
		CaseID: c.ID, FieldName: "rnmMae", DisplayName: "rnm-mae.pdf", ActorName: "Ana",
	}); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 0, ActorName: "Ana"})
	var missing workflow.MissingDocumentsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingDocumentsError, got %v", err)
	}
	if want := []string{"rnmPai", "certidaoNascimento"}; !reflect.DeepEqual(missing.Missing, want) {
		t.Fatalf("Missing = %v, want %v", missing.Missing, want)
	}
	// refused attempt must not mutate the case
	view, err := env.Engine.GetCaseWorkflow(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Case.CompletedSteps) != 0 || view.Case.CurrentStepIndex != 0 {
		t.Fatalf("refused intake mutated state: %+v", view.Case)
	}

	for _, key := range []string{"rnmPai", "certidaoNascimento"} {
		if _, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{
			CaseID: c.ID, FieldName: key, ActorName: "Ana",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 0, ActorName: "Ana"}); err != nil {
		t.Fatalf("intake should complete once documents exist: %v", err)
	}
}

func TestIntakeGateAcceptsLegacyFieldMarkers(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		CaseType: "visa-family",
		Fields: map[string]any{
			"rnmMae":             "scan-001.pdf",
			"rnmPai":             "scan-002.pdf",
			"certidaoNascimento": true,
		},
		ActorName: "Carla",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 0, ActorName: "Carla"}); err != nil {
		t.Fatalf("legacy field markers should satisfy the gate: %v", err)
	}
}

func TestPendingDocuments(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "civil-action", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{
		CaseID: c.ID, FieldName: "cpf", ActorName: "Ana",
	}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.PendingDocuments(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalRequired != 3 || report.TotalMissing != 2 || report.PercentComplete != 33 {
		t.Fatalf("report = %+v", report)
	}
}

func TestNotesAppendRemoveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "visa-work", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	before, err := env.Engine.Repo.ListNotes(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	n, ok, err := env.Engine.AddNote(env.Ctx, engine.NoteCreateOptions{CaseID: c.ID, StepID: 1, Content: "client called", AuthorName: "Ana"})
	if err != nil || !ok {
		t.Fatalf("add note: ok=%v err=%v", ok, err)
	}
	if n.AuthorRole != "Advogada" {
		t.Fatalf("AuthorRole = %s", n.AuthorRole)
	}
	if err := env.Engine.RemoveNote(env.Ctx, c.ID, n.ID, "Ana"); err != nil {
		t.Fatalf("remove note: %v", err)
	}
	after, err := env.Engine.Repo.ListNotes(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("remove(append(...)) should restore the journal: before=%v after=%v", before, after)
	}
	// removing an unknown id is a no-op
	if err := env.Engine.RemoveNote(env.Ctx, c.ID, "no-such-note", "Ana"); err != nil {
		t.Fatalf("remove missing note: %v", err)
	}
}

func TestEmptyNoteIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "visa-work", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := env.Engine.AddNote(env.Ctx, engine.NoteCreateOptions{CaseID: c.ID, Content: "   ", AuthorName: "Ana"})
	if err != nil {
		t.Fatalf("blank note should not error: %v", err)
	}
	if ok {
		t.Fatal("blank note should not be recorded")
	}
	list, _ := env.Engine.Repo.ListNotes(env.Ctx, c.ID)
	if len(list) != 0 {
		t.Fatalf("journal should be empty, got %d entries", len(list))
	}
}

func TestPatchCaseMergesFields(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		CaseType:  "visa-work",
		Fields:    map[string]any{"clientName": "Maria", "phone": "999"},
		ActorName: "Ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	country := "portugal"
	patched, err := env.Engine.PatchCase(env.Ctx, engine.CasePatchOptions{
		ID:        c.ID,
		Status:    "archived",
		Country:   &country,
		Fields:    map[string]any{"phone": "888", "email": "m@example.com", "clientName": nil},
		ActorName: "Ana",
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Status != "archived" || patched.Country != "portugal" {
		t.Fatalf("patched = %+v", patched)
	}
	if patched.Fields["phone"] != "888" || patched.Fields["email"] != "m@example.com" {
		t.Fatalf("fields = %v", patched.Fields)
	}
	if _, ok := patched.Fields["clientName"]; ok {
		t.Fatal("nil field value should delete the key")
	}
	if _, err := env.Engine.PatchCase(env.Ctx, engine.CasePatchOptions{ID: c.ID, Status: "bogus", ActorName: "Ana"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestDeleteCaseCascadesAndReportsDocuments(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "visa-work", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{
		CaseID: c.ID, FieldName: "passaporte", StoragePath: "docs/p.pdf", ActorName: "Ana",
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.AddNote(env.Ctx, engine.NoteCreateOptions{CaseID: c.ID, Content: "note", AuthorName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	docs, err := env.Engine.DeleteCase(env.Ctx, c.ID, "Ana")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(docs) != 1 || docs[0].StoragePath != "docs/p.pdf" {
		t.Fatalf("docs = %+v", docs)
	}
	if _, err := env.Engine.Repo.GetCase(env.Ctx, c.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("case should be gone, got %v", err)
	}
	notes, _ := env.Engine.Repo.ListNotes(env.Ctx, c.ID)
	if len(notes) != 0 {
		t.Fatalf("notes should cascade, got %d", len(notes))
	}
	remaining, _ := env.Engine.Repo.ListDocuments(env.Ctx, c.ID, "")
	if len(remaining) != 0 {
		t.Fatalf("documents should cascade, got %d", len(remaining))
	}
}

func TestAssignmentValidatesStepIndex(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "visa-family", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		CaseID: c.ID, StepIndex: 1, Assignee: "Carla", ActorName: "Ana",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.CaseType != "visa-family" {
		t.Fatalf("assignment = %+v", a)
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		CaseID: c.ID, StepIndex: 99, Assignee: "Carla", ActorName: "Ana",
	}); err == nil {
		t.Fatal("expected error for out-of-range step")
	}
	list, err := env.Engine.Repo.ListAssignments(env.Ctx, repo.AssignmentFilters{CaseID: c.ID})
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v err = %v", list, err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{CaseType: "civil-action", ActorName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = env.Engine.AdvanceStep(env.Ctx, engine.StepAdvanceOptions{CaseID: c.ID, StepIndex: 0, ActorName: "Ana"})
	_, _, _ = env.Engine.AddNote(env.Ctx, engine.NoteCreateOptions{CaseID: c.ID, Content: "filed", AuthorName: "Bruno"})
	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected create/step/note events, got %d", len(events))
	}
	if events[0].Type != "case.created" {
		t.Fatalf("first event = %s", events[0].Type)
	}
}
