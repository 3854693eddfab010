package workflow

import (
	"math"

	"caseline/internal/config"
)

// PendingDoc is one checklist entry still missing an upload.
type PendingDoc struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Mandatory bool   `json:"mandatory"`
}

// PendingGroup keeps the catalog's grouping for missing documents.
type PendingGroup struct {
	Group string       `json:"group"`
	Docs  []PendingDoc `json:"docs"`
}

// PendingReport is the resolver output: what is missing, grouped in
// catalog order, plus a completion percentage over the whole checklist.
type PendingReport struct {
	Groups          []PendingGroup `json:"groups"`
	TotalRequired   int            `json:"totalRequired"`
	TotalMissing    int            `json:"totalMissing"`
	PercentComplete int            `json:"percentComplete"`
}

// ResolvePending walks the resolved checklist in catalog order and reports
// every entry whose key has no upload. Groups with nothing missing are
// omitted. The percentage covers the full checklist, mandatory or not;
// an empty checklist reports zero percent.
func ResolvePending(groups []config.RequirementGroup, uploadedKeys map[string]bool) PendingReport {
	report := PendingReport{}
	for _, g := range groups {
		var missing []PendingDoc
		for _, d := range g.Docs {
			report.TotalRequired++
			if uploadedKeys[d.Key] {
				continue
			}
			missing = append(missing, PendingDoc{Key: d.Key, Label: d.Label, Mandatory: d.Mandatory})
		}
		report.TotalMissing += len(missing)
		if len(missing) > 0 {
			report.Groups = append(report.Groups, PendingGroup{Group: g.Group, Docs: missing})
		}
	}
	if report.TotalRequired > 0 {
		uploaded := report.TotalRequired - report.TotalMissing
		report.PercentComplete = int(math.Round(100 * float64(uploaded) / float64(report.TotalRequired)))
		// 100 means complete; rounding must not claim it while anything
		// is still missing.
		if report.TotalMissing > 0 && report.PercentComplete == 100 {
			report.PercentComplete = 99
		}
	}
	return report
}
