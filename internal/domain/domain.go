package domain

type Case struct {
	ID               string         `json:"id"`
	CaseType         string         `json:"case_type"`
	Country          string         `json:"country,omitempty"`
	Status           string         `json:"status" enum:"open,archived,closed"`
	CurrentStepIndex int            `json:"current_step_index"`
	CompletedSteps   []int          `json:"completed_steps,omitempty"`
	Fields           map[string]any `json:"fields,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

type Note struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	StepID     int    `json:"step_id"`
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	AuthorRole string `json:"author_role,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Document struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	FieldName   string `json:"field_name"`
	DisplayName string `json:"display_name"`
	StoragePath string `json:"storage_path,omitempty"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
}

type StepAssignment struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	CaseType  string  `json:"case_type"`
	StepIndex int     `json:"step_index"`
	Assignee  string  `json:"assignee"`
	DueDate   *string `json:"due_date,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorName  string `json:"actor_name"`
	Payload    string `json:"payload_json"`
}
