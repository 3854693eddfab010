// Package workflow holds the step state machine and the catalog lookups.
// All functions here are pure: catalogs resolve with fallbacks instead of
// errors, and transitions return new state without touching storage.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"caseline/internal/config"
)

// StepsFor resolves the ordered step titles for a case type. Unknown types
// fall back to the default workflow so the caller always has steps to show.
func StepsFor(cfg *config.Config, caseType string) []string {
	return specFor(cfg, caseType).Steps
}

// PolicyFor resolves the advance policy for a case type.
func PolicyFor(cfg *config.Config, caseType string) string {
	return specFor(cfg, caseType).Policy
}

// GatesIntake reports whether the case type requires its mandatory document
// keys before the intake step can complete.
func GatesIntake(cfg *config.Config, caseType string) bool {
	return specFor(cfg, caseType).GateIntake
}

func specFor(cfg *config.Config, caseType string) config.WorkflowSpec {
	if wf, ok := cfg.Workflows.Catalog[caseType]; ok {
		return wf
	}
	return cfg.Workflows.Catalog[cfg.Workflows.Default]
}

// RequirementsFor resolves the document checklist for a case. Resolution
// order: exact (type, country) match, then type-only, then the generic
// default set. Country comparison is case-insensitive.
func RequirementsFor(cfg *config.Config, caseType, country string) []config.RequirementGroup {
	country = strings.ToLower(strings.TrimSpace(country))
	if country != "" {
		for _, set := range cfg.Requirements.Sets {
			if set.CaseType == caseType && strings.ToLower(set.Country) == country {
				return set.Groups
			}
		}
	}
	for _, set := range cfg.Requirements.Sets {
		if set.CaseType == caseType && set.Country == "" {
			return set.Groups
		}
	}
	return cfg.Requirements.Default
}

// MandatoryKeys collects the intake-mandatory requirement keys from a
// resolved checklist, in catalog order.
func MandatoryKeys(groups []config.RequirementGroup) []string {
	var keys []string
	for _, g := range groups {
		for _, d := range g.Docs {
			if d.Mandatory {
				keys = append(keys, d.Key)
			}
		}
	}
	return keys
}

// State is a case's step progress. CompletedSteps, when non-empty,
// overrides the contiguous-prefix inference from CurrentStepIndex.
type State struct {
	TotalSteps       int
	CurrentStepIndex int
	CompletedSteps   []int
}

// StepStatus is the derived per-step view.
type StepStatus struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

// Completed derives the per-step completed flags. With an explicit
// completed set, membership decides; otherwise steps before
// CurrentStepIndex form a contiguous completed prefix.
func (s State) Completed() []bool {
	done := make([]bool, s.TotalSteps)
	if len(s.CompletedSteps) > 0 {
		for _, i := range s.CompletedSteps {
			if i >= 0 && i < s.TotalSteps {
				done[i] = true
			}
		}
		return done
	}
	for i := 0; i < s.TotalSteps && i < s.CurrentStepIndex; i++ {
		done[i] = true
	}
	return done
}

// DisplayCurrentIndex is the first not-yet-completed index, which the UI
// highlights regardless of the stored CurrentStepIndex.
func (s State) DisplayCurrentIndex() int {
	done := s.Completed()
	for i, d := range done {
		if !d {
			return i
		}
	}
	if s.TotalSteps == 0 {
		return 0
	}
	return s.TotalSteps - 1
}

// Statuses pairs the derived flags with step titles.
func Statuses(s State, titles []string) []StepStatus {
	done := s.Completed()
	current := s.DisplayCurrentIndex()
	out := make([]StepStatus, len(done))
	for i := range done {
		title := ""
		if i < len(titles) {
			title = titles[i]
		}
		out[i] = StepStatus{
			Index:     i,
			Title:     title,
			Completed: done[i],
			Current:   i == current && !done[i],
		}
	}
	return out
}

// Toggle applies the symmetric policy to step i. Completing a step also
// completes every earlier step; un-completing a step also un-completes
// every later step. Both directions preserve the contiguous prefix.
func Toggle(s State, i int) (State, error) {
	if s.TotalSteps == 0 {
		return s, fmt.Errorf("workflow has no steps")
	}
	if i < 0 || i >= s.TotalSteps {
		return s, fmt.Errorf("step index %d out of range [0,%d)", i, s.TotalSteps)
	}
	done := s.Completed()
	if done[i] {
		for j := i; j < s.TotalSteps; j++ {
			done[j] = false
		}
		s.CurrentStepIndex = min(i, s.TotalSteps-1)
	} else {
		for j := 0; j <= i; j++ {
			done[j] = true
		}
		s.CurrentStepIndex = min(i+1, s.TotalSteps-1)
	}
	s.CompletedSteps = indices(done)
	return s, nil
}

// Complete applies the forward-only policy to step i: it marks steps 0..i
// completed and advances the index, never un-completing anything.
func Complete(s State, i int) (State, error) {
	if s.TotalSteps == 0 {
		return s, fmt.Errorf("workflow has no steps")
	}
	if i < 0 || i >= s.TotalSteps {
		return s, fmt.Errorf("step index %d out of range [0,%d)", i, s.TotalSteps)
	}
	done := s.Completed()
	for j := 0; j <= i; j++ {
		done[j] = true
	}
	s.CurrentStepIndex = min(i+1, s.TotalSteps-1)
	s.CompletedSteps = indices(done)
	return s, nil
}

// Advance dispatches on the workflow policy. Symmetric workflows toggle;
// forward-only workflows only ever complete.
func Advance(policy string, s State, i int) (State, error) {
	if policy == config.PolicyForwardOnly {
		return Complete(s, i)
	}
	return Toggle(s, i)
}

// MissingDocumentsError refuses intake completion and carries the keys
// still absent, for the caller to surface verbatim.
type MissingDocumentsError struct {
	Missing []string
}

func (e MissingDocumentsError) Error() string {
	return fmt.Sprintf("missing required documents: %s", strings.Join(e.Missing, ", "))
}

// CheckIntake reports the mandatory keys not yet present in uploadedKeys.
// A nil return means the intake step may complete.
func CheckIntake(groups []config.RequirementGroup, uploadedKeys map[string]bool) error {
	var missing []string
	for _, key := range MandatoryKeys(groups) {
		if !uploadedKeys[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return MissingDocumentsError{Missing: missing}
	}
	return nil
}

func indices(done []bool) []int {
	var out []int
	for i, d := range done {
		if d {
			out = append(out, i)
		}
	}
	return out
}

// NormalizeCompleted sorts and de-duplicates an explicit completed set,
// dropping out-of-range entries.
func NormalizeCompleted(set []int, total int) []int {
	seen := map[int]bool{}
	var out []int
	for _, i := range set {
		if i >= 0 && i < total && !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
