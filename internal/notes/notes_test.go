package notes

import (
	"testing"
	"time"

	"caseline/internal/config"
)

var roster = []config.RosterEntry{
	{Role: "Advogada", Name: "Ana"},
	{Role: "Advogado", Name: "Bruno"},
	{Role: "Paralegal", Name: "Carla"},
}

func TestResolvePrefixMatch(t *testing.T) {
	got := Resolve(roster, "Ana Silva")
	if got.Name != "Ana" || got.Role != "Advogada" {
		t.Fatalf("Resolve(Ana Silva) = %+v", got)
	}
	got = Resolve(roster, "car")
	if got.Name != "Carla" || got.Role != "Paralegal" {
		t.Fatalf("Resolve(car) = %+v", got)
	}
}

func TestResolveUnmatchedKeepsNameEmptyRole(t *testing.T) {
	got := Resolve(roster, "Zelia")
	if got.Name != "Zelia" || got.Role != "" {
		t.Fatalf("Resolve(Zelia) = %+v", got)
	}
}

func TestResolveEmptySentinel(t *testing.T) {
	got := Resolve(roster, "   ")
	if got.Name != Unattributed || got.Role != "" {
		t.Fatalf("Resolve(blank) = %+v, want sentinel", got)
	}
}

func TestBuildTrimsAndStamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	note, ok := Build("case-1", 2, "  client called  ", "Bruno", roster, now)
	if !ok {
		t.Fatal("Build returned ok=false for valid content")
	}
	if note.ID == "" {
		t.Fatal("Build did not assign an id")
	}
	if note.Content != "client called" {
		t.Fatalf("Content = %q, want trimmed", note.Content)
	}
	if note.AuthorName != "Bruno" || note.AuthorRole != "Advogado" {
		t.Fatalf("author = %s/%s", note.AuthorName, note.AuthorRole)
	}
	if note.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("CreatedAt = %q", note.CreatedAt)
	}
	if note.CaseID != "case-1" || note.StepID != 2 {
		t.Fatalf("note = %+v", note)
	}
}

func TestBuildRejectsEmptyContent(t *testing.T) {
	for _, content := range []string{"", "   ", "\n\t"} {
		if _, ok := Build("case-1", 0, content, "Ana", roster, time.Now()); ok {
			t.Fatalf("Build(%q) should be a no-op", content)
		}
	}
}
