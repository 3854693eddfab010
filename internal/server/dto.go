package server

import (
	"encoding/json"
	"mime/multipart"
	"net/url"
	"strings"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/workflow"
)

// Request payloads

type CreateCaseRequest struct {
	ID       *string        `json:"id,omitempty"`
	CaseType string         `json:"case_type"`
	Country  *string        `json:"country,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type UpdateCaseRequest struct {
	Status           *string        `json:"status,omitempty" enum:"open,archived,closed"`
	Country          *string        `json:"country,omitempty"`
	CurrentStepIndex *int           `json:"current_step_index,omitempty"`
	CompletedSteps   *[]int         `json:"completed_steps,omitempty"`
	Fields           map[string]any `json:"fields,omitempty"`
}

type AdvanceStepRequest struct {
	StepIndex int     `json:"step_index"`
	Author    *string `json:"author,omitempty"`
}

type CreateNoteRequest struct {
	StepID  int     `json:"step_id"`
	Content string  `json:"content"`
	Author  *string `json:"author,omitempty"`
}

type CreateAssignmentRequest struct {
	StepIndex int     `json:"step_index"`
	Assignee  string  `json:"assignee"`
	DueDate   *string `json:"due_date,omitempty" format:"date"`
}

// Response payloads

type CaseResponse struct {
	ID               string         `json:"id"`
	CaseType         string         `json:"case_type"`
	Country          string         `json:"country,omitempty"`
	Status           string         `json:"status" enum:"open,archived,closed"`
	CurrentStepIndex int            `json:"current_step_index"`
	CompletedSteps   []int          `json:"completed_steps"`
	Fields           map[string]any `json:"fields,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

type StepResponse struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

type WorkflowResponse struct {
	CaseID       string         `json:"case_id"`
	CaseType     string         `json:"case_type"`
	Policy       string         `json:"policy" enum:"symmetric,forward_only"`
	CurrentIndex int            `json:"current_index"`
	Steps        []StepResponse `json:"steps"`
}

type NoteResponse struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	StepID     int    `json:"step_id"`
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	AuthorRole string `json:"author_role,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type DocumentResponse struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	FieldName   string `json:"field_name"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	CaseType  string  `json:"case_type"`
	StepIndex int     `json:"step_index"`
	Assignee  string  `json:"assignee"`
	DueDate   *string `json:"due_date,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorName  string         `json:"actor_name"`
	Payload    map[string]any `json:"payload"`
}

type PendingDocResponse struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Mandatory bool   `json:"mandatory"`
}

type PendingGroupResponse struct {
	Group string               `json:"group"`
	Docs  []PendingDocResponse `json:"docs"`
}

type PendingReportResponse struct {
	Groups          []PendingGroupResponse `json:"groups"`
	TotalRequired   int                    `json:"total_required"`
	TotalMissing    int                    `json:"total_missing"`
	PercentComplete int                    `json:"percent_complete"`
}

type OfficeConfigResponse struct {
	Office       officeConfigSection       `json:"office"`
	Workflows    workflowConfigSection     `json:"workflows"`
	Requirements requirementsConfigSection `json:"requirements"`
	Roster       []rosterEntryResponse     `json:"roster"`
}

type officeConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type workflowConfigSection struct {
	Default string                          `json:"default"`
	Catalog map[string]workflowSpecResponse `json:"catalog"`
}

type workflowSpecResponse struct {
	Policy     string   `json:"policy" enum:"symmetric,forward_only"`
	Steps      []string `json:"steps"`
	GateIntake bool     `json:"gate_intake"`
}

type requirementsConfigSection struct {
	Sets    []requirementSetResponse `json:"sets"`
	Default []PendingGroupResponse   `json:"default"`
}

type requirementSetResponse struct {
	CaseType string                 `json:"case_type"`
	Country  string                 `json:"country,omitempty"`
	Groups   []PendingGroupResponse `json:"groups"`
}

type rosterEntryResponse struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:               c.ID,
		CaseType:         c.CaseType,
		Country:          c.Country,
		Status:           c.Status,
		CurrentStepIndex: c.CurrentStepIndex,
		CompletedSteps:   nonNilInts(c.CompletedSteps),
		Fields:           c.Fields,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func workflowResponse(w engine.CaseWorkflow) WorkflowResponse {
	steps := make([]StepResponse, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, StepResponse{
			Index:     s.Index,
			Title:     s.Title,
			Completed: s.Completed,
			Current:   s.Current,
		})
	}
	return WorkflowResponse{
		CaseID:       w.Case.ID,
		CaseType:     w.Case.CaseType,
		Policy:       w.Policy,
		CurrentIndex: w.CurrentIndex,
		Steps:        steps,
	}
}

func noteResponse(n domain.Note) NoteResponse {
	return NoteResponse(n)
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:          d.ID,
		CaseID:      d.CaseID,
		FieldName:   d.FieldName,
		DisplayName: d.DisplayName,
		Size:        d.Size,
		Checksum:    d.Checksum,
		UploadedAt:  d.UploadedAt,
	}
}

func assignmentResponse(a domain.StepAssignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorName:  e.ActorName,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func pendingResponse(r workflow.PendingReport) PendingReportResponse {
	groups := make([]PendingGroupResponse, 0, len(r.Groups))
	for _, g := range r.Groups {
		docs := make([]PendingDocResponse, 0, len(g.Docs))
		for _, d := range g.Docs {
			docs = append(docs, PendingDocResponse(d))
		}
		groups = append(groups, PendingGroupResponse{Group: g.Group, Docs: docs})
	}
	return PendingReportResponse{
		Groups:          groups,
		TotalRequired:   r.TotalRequired,
		TotalMissing:    r.TotalMissing,
		PercentComplete: r.PercentComplete,
	}
}

func requirementGroupsResponse(groups []config.RequirementGroup) []PendingGroupResponse {
	res := make([]PendingGroupResponse, 0, len(groups))
	for _, g := range groups {
		docs := make([]PendingDocResponse, 0, len(g.Docs))
		for _, d := range g.Docs {
			docs = append(docs, PendingDocResponse{Key: d.Key, Label: d.Label, Mandatory: d.Mandatory})
		}
		res = append(res, PendingGroupResponse{Group: g.Group, Docs: docs})
	}
	return res
}

func configResponse(cfg *config.Config) OfficeConfigResponse {
	res := OfficeConfigResponse{
		Office: officeConfigSection{ID: cfg.Office.ID, Name: cfg.Office.Name},
		Workflows: workflowConfigSection{
			Default: cfg.Workflows.Default,
			Catalog: map[string]workflowSpecResponse{},
		},
		Requirements: requirementsConfigSection{
			Sets:    []requirementSetResponse{},
			Default: requirementGroupsResponse(cfg.Requirements.Default),
		},
		Roster: []rosterEntryResponse{},
	}
	for name, spec := range cfg.Workflows.Catalog {
		res.Workflows.Catalog[name] = workflowSpecResponse{
			Policy:     spec.Policy,
			Steps:      spec.Steps,
			GateIntake: spec.GateIntake,
		}
	}
	for _, set := range cfg.Requirements.Sets {
		res.Requirements.Sets = append(res.Requirements.Sets, requirementSetResponse{
			CaseType: set.CaseType,
			Country:  set.Country,
			Groups:   requirementGroupsResponse(set.Groups),
		})
	}
	for _, entry := range cfg.Roster {
		res.Roster = append(res.Roster, rosterEntryResponse(entry))
	}
	return res
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func mapNotes(items []domain.Note) []NoteResponse {
	res := make([]NoteResponse, 0, len(items))
	for _, n := range items {
		res = append(res, noteResponse(n))
	}
	return res
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	res := make([]DocumentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, documentResponse(d))
	}
	return res
}

func mapAssignments(items []domain.StepAssignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// canonicalFieldName reads the document field key from a form, accepting
// the historical fieldName alias; field_name wins when both are present.
func canonicalFieldName(values url.Values) string {
	if v := strings.TrimSpace(values.Get("field_name")); v != "" {
		return v
	}
	return strings.TrimSpace(values.Get("fieldName"))
}

// uploadName prefers the display_name form value over the filename sent
// with the part.
func uploadName(values url.Values, header *multipart.FileHeader) string {
	if v := strings.TrimSpace(values.Get("display_name")); v != "" {
		return v
	}
	return header.Filename
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilInts(in []int) []int {
	if in == nil {
		return []int{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
