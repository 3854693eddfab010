package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// Author attributes notes and step changes when no token is set.
	Author     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model.
type Case struct {
	ID               string         `json:"id"`
	CaseType         string         `json:"case_type"`
	Country          string         `json:"country,omitempty"`
	Status           string         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	CompletedSteps   []int          `json:"completed_steps"`
	Fields           map[string]any `json:"fields,omitempty"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// Step is one workflow step with its completion state.
type Step struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

// Workflow is the step ladder of one case.
type Workflow struct {
	CaseID       string `json:"case_id"`
	CaseType     string `json:"case_type"`
	Policy       string `json:"policy"`
	CurrentIndex int    `json:"current_index"`
	Steps        []Step `json:"steps"`
}

// Note is one journal entry on a case.
type Note struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	StepID     int    `json:"step_id"`
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	AuthorRole string `json:"author_role,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Document is one uploaded file tagged with a requirement key.
type Document struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	FieldName   string `json:"field_name"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
	UploadedAt  string `json:"uploaded_at"`
}

// PendingDoc is one checklist entry still expected from the client.
type PendingDoc struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Mandatory bool   `json:"mandatory"`
}

// PendingGroup clusters pending docs under their catalog group.
type PendingGroup struct {
	Group string       `json:"group"`
	Docs  []PendingDoc `json:"docs"`
}

// PendingReport is the missing-document summary for a case.
type PendingReport struct {
	Groups          []PendingGroup `json:"groups"`
	TotalRequired   int            `json:"total_required"`
	TotalMissing    int            `json:"total_missing"`
	PercentComplete int            `json:"percent_complete"`
}

// Event is one journal entry from the office event log.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorName  string         `json:"actor_name"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps case listings with a cursor.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// NoteResult reports whether the note was recorded; whitespace-only
// content is skipped server-side.
type NoteResult struct {
	Recorded bool  `json:"recorded"`
	Note     *Note `json:"note,omitempty"`
}

// UploadResult carries the per-file outcome of a multipart upload.
type UploadResult struct {
	Documents []Document `json:"documents"`
	Failed    []struct {
		Filename string `json:"filename"`
		Error    string `json:"error"`
	} `json:"failed"`
}

// CreateCase opens a case.
func (c *Client) CreateCase(ctx context.Context, caseType, country string, fields map[string]any) (Case, error) {
	body := map[string]any{"case_type": caseType}
	if country != "" {
		body["country"] = country
	}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, c.casePath(id, ""), nil, &resp)
	return resp, err
}

// PatchCase applies a partial update to a case.
func (c *Client) PatchCase(ctx context.Context, id string, patch map[string]any) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPatch, c.casePath(id, ""), patch, &resp)
	return resp, err
}

// DeleteCase removes a case, its notes and its documents.
func (c *Client) DeleteCase(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.casePath(id, ""), nil, nil)
}

// ListCases returns a page of cases.
func (c *Client) ListCases(ctx context.Context, caseType, status string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if caseType != "" {
		q.Set("case_type", caseType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/cases"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Workflow returns the step ladder of a case.
func (c *Client) Workflow(ctx context.Context, caseID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "workflow"), nil, &resp)
	return resp, err
}

// ToggleStep flips a step under the case type's policy.
func (c *Client) ToggleStep(ctx context.Context, caseID string, stepIndex int) (Workflow, error) {
	return c.advance(ctx, caseID, stepIndex, "steps/toggle")
}

// CompleteStep marks a step and everything before it done; it never
// un-completes.
func (c *Client) CompleteStep(ctx context.Context, caseID string, stepIndex int) (Workflow, error) {
	return c.advance(ctx, caseID, stepIndex, "steps/complete")
}

func (c *Client) advance(ctx context.Context, caseID string, stepIndex int, suffix string) (Workflow, error) {
	body := map[string]any{"step_index": stepIndex}
	if c.Author != "" {
		body["author"] = c.Author
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, suffix), body, &resp)
	return resp, err
}

// PendingDocuments returns the missing-document checklist for a case.
func (c *Client) PendingDocuments(ctx context.Context, caseID string) (PendingReport, error) {
	var resp PendingReport
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "documents/pending"), nil, &resp)
	return resp, err
}

// AddNote appends a journal entry to a case.
func (c *Client) AddNote(ctx context.Context, caseID string, stepID int, content string) (NoteResult, error) {
	body := map[string]any{"step_id": stepID, "content": content}
	if c.Author != "" {
		body["author"] = c.Author
	}
	var resp NoteResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "notes"), body, &resp)
	return resp, err
}

// ListNotes returns the case journal in insertion order.
func (c *Client) ListNotes(ctx context.Context, caseID string) ([]Note, error) {
	var resp []Note
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "notes"), nil, &resp)
	return resp, err
}

// RemoveNote deletes a note; unknown ids are a no-op.
func (c *Client) RemoveNote(ctx context.Context, caseID, noteID string) error {
	return c.do(ctx, http.MethodDelete, c.casePath(caseID, "notes/"+url.PathEscape(noteID)), nil, nil)
}

// ListDocuments returns a case's documents, optionally for one field.
func (c *Client) ListDocuments(ctx context.Context, caseID, fieldName string) ([]Document, error) {
	endpoint := c.casePath(caseID, "documents")
	if fieldName != "" {
		endpoint += "?field_name=" + url.QueryEscape(fieldName)
	}
	var resp []Document
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteDocument removes a document and its stored file.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodDelete, "v0/documents/"+url.PathEscape(documentID), nil, nil)
}

// UploadFile streams a local file to a case under the given requirement
// key. Transient failures (network errors and 5xx responses) are retried
// with exponential backoff before giving up.
func (c *Client) UploadFile(ctx context.Context, caseID, fieldName, filePath string) (UploadResult, error) {
	var resp UploadResult
	err := retry.Do(
		func() error {
			data, contentType, err := multipartFile(fieldName, filePath)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return c.doUpload(ctx, caseID, contentType, data, &resp)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return resp, err
}

func (c *Client) doUpload(ctx context.Context, caseID, contentType string, data []byte, out *UploadResult) error {
	endpoint := c.base() + "/" + c.casePath(caseID, "documents")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode >= 300 {
		return retry.Unrecoverable(&APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return json.Unmarshal(body, out)
}

func multipartFile(fieldName, filePath string) ([]byte, string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("field_name", fieldName); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsAfter returns events newer than the given id in ascending order.
func (c *Client) EventsAfter(ctx context.Context, after int64, caseID string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprintf("%d", after))
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "v0/events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Author != "":
		req.Header.Set("X-Author", c.Author)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) casePath(caseID, suffix string) string {
	p := "v0/cases/" + url.PathEscape(caseID)
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
