// Package notes builds case journal entries; the journal itself lives as
// append-only rows in storage, one insert per entry.
package notes

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
)

// Unattributed is the author sentinel for entries without a resolved
// person. Display surfaces hide it.
const Unattributed = "Equipe"

// Author is a resolved "role – name" pair.
type Author struct {
	Name string
	Role string
}

// Resolve looks the free-text name up against the roster. Matching is a
// case-insensitive prefix match in either direction, so "Ana Silva"
// resolves against roster name "Ana" and a typed "Car" resolves against
// "Carla". Unmatched names keep an empty role; an empty name becomes the
// Unattributed sentinel.
func Resolve(roster []config.RosterEntry, name string) Author {
	name = strings.TrimSpace(name)
	if name == "" {
		return Author{Name: Unattributed}
	}
	lower := strings.ToLower(name)
	for _, entry := range roster {
		entryLower := strings.ToLower(entry.Name)
		if strings.HasPrefix(lower, entryLower) || strings.HasPrefix(entryLower, lower) {
			return Author{Name: entry.Name, Role: entry.Role}
		}
	}
	return Author{Name: name}
}

// Build assembles a note entry for a case. Whitespace-only content is not
// an error, just nothing to record: ok is false and the caller skips the
// insert. stepID 0 means a general note not attached to a step.
func Build(caseID string, stepID int, content, authorName string, roster []config.RosterEntry, now time.Time) (domain.Note, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Note{}, false
	}
	author := Resolve(roster, authorName)
	return domain.Note{
		ID:         uuid.NewString(),
		CaseID:     caseID,
		StepID:     stepID,
		Content:    content,
		AuthorName: author.Name,
		AuthorRole: author.Role,
		CreatedAt:  now.UTC().Format(time.RFC3339),
	}, true
}
