package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"testing"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/storage"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("office-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertOfficeConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed office config: %v", err)
	}
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	handler, err := New(Config{Engine: e, Store: store, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createCase(t *testing.T, srv *testServer, caseType, country string) CaseResponse {
	t.Helper()
	body := map[string]any{"case_type": caseType}
	if country != "" {
		body["country"] = country
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	return created
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createCase(t, srv, "civil-action", "")
	if created.Status != "open" || created.CurrentStepIndex != 0 {
		t.Fatalf("unexpected created case: %+v", created)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/workflow", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status %d: %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if wf.Policy != "forward_only" || len(wf.Steps) != 7 {
		t.Fatalf("unexpected workflow: policy=%s steps=%d", wf.Policy, len(wf.Steps))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/cases/"+created.ID, map[string]any{
		"status": "archived",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var patched CaseResponse
	_ = json.Unmarshal(data, &patched)
	if patched.Status != "archived" {
		t.Fatalf("expected archived, got %s", patched.Status)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/cases/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestToggleStepRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createCase(t, srv, "visa-work", "Brasil")

	// visa-work gates intake, so step 0 needs its documents first.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/steps/toggle", map[string]any{
		"step_index": 0,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "missing_documents" {
		t.Fatalf("expected missing_documents, got %s", envelope.Error.Code)
	}
	if _, ok := envelope.Error.Details["missing"]; !ok {
		t.Fatalf("expected missing detail, got %v", envelope.Error.Details)
	}

	// Mark the required documents through legacy case fields.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/cases/"+created.ID, map[string]any{
		"fields": map[string]any{"passaporte": true, "contratoTrabalho": true},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch fields status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/steps/toggle", map[string]any{
		"step_index": 0,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(data, &wf)
	if !wf.Steps[0].Completed || wf.CurrentIndex != 1 {
		t.Fatalf("unexpected workflow after toggle: %+v", wf)
	}

	// Toggling the same step again un-completes it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/steps/toggle", map[string]any{
		"step_index": 0,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second toggle status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &wf)
	if wf.Steps[0].Completed || wf.CurrentIndex != 0 {
		t.Fatalf("unexpected workflow after undo: %+v", wf)
	}
}

func TestNotesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createCase(t, srv, "civil-action", "")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/notes", map[string]any{
		"step_id": 0,
		"content": "Cliente entregou procuracao",
		"author":  "ana",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add note status %d: %s", res.StatusCode, string(data))
	}
	var addRes struct {
		Recorded bool          `json:"recorded"`
		Note     *NoteResponse `json:"note"`
	}
	if err := json.Unmarshal(data, &addRes); err != nil {
		t.Fatalf("unmarshal add note: %v", err)
	}
	if !addRes.Recorded || addRes.Note == nil {
		t.Fatalf("expected recorded note, got %+v", addRes)
	}
	if addRes.Note.AuthorName != "Ana" || addRes.Note.AuthorRole != "Advogada" {
		t.Fatalf("expected roster attribution, got %s/%s", addRes.Note.AuthorName, addRes.Note.AuthorRole)
	}

	// Whitespace-only content is skipped, not an error.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/notes", map[string]any{
		"step_id": 0,
		"content": "   ",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skip note status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &addRes)
	if addRes.Recorded {
		t.Fatalf("expected skipped note")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/notes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notes status %d: %s", res.StatusCode, string(data))
	}
	var notes []NoteResponse
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}

	// Removing a bogus id is a no-op.
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/cases/"+created.ID+"/notes/nope", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove bogus note status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/cases/"+created.ID+"/notes/"+notes[0].ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove note status %d", res.StatusCode)
	}
}

func uploadDocument(t *testing.T, srv *testServer, caseID, fieldName, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("field_name", fieldName); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	mw.Close()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/documents", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do upload: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestDocumentUploadAndPending(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createCase(t, srv, "civil-action", "")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/documents/pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var report PendingReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if report.TotalRequired != 3 || report.TotalMissing != 3 || report.PercentComplete != 0 {
		t.Fatalf("unexpected pending report: %+v", report)
	}

	upRes, upData := uploadDocument(t, srv, created.ID, "cpf", "cpf-frente.pdf", []byte("fake pdf bytes"))
	if upRes.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", upRes.StatusCode, string(upData))
	}
	var upload struct {
		Documents []DocumentResponse `json:"documents"`
		Failed    []map[string]any   `json:"failed"`
	}
	if err := json.Unmarshal(upData, &upload); err != nil {
		t.Fatalf("unmarshal upload: %v", err)
	}
	if len(upload.Documents) != 1 || upload.Documents[0].FieldName != "cpf" {
		t.Fatalf("unexpected upload result: %+v", upload)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/documents/pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &report)
	if report.TotalMissing != 2 || report.PercentComplete != 33 {
		t.Fatalf("unexpected report after upload: %+v", report)
	}

	// Download returns the stored bytes.
	dlRes, err := client.Get(srv.URL + "/v0/documents/" + upload.Documents[0].ID + "/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dlRes.Body.Close()
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", dlRes.StatusCode)
	}
	content, _ := io.ReadAll(dlRes.Body)
	if string(content) != "fake pdf bytes" {
		t.Fatalf("unexpected download content: %q", string(content))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/documents/"+upload.Documents[0].ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete document status %d", res.StatusCode)
	}
}

func TestUploadAcceptsFieldNameAlias(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createCase(t, srv, "civil-action", "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("fieldName", "procuracao")
	fw, _ := mw.CreateFormFile("file", "procuracao.pdf")
	_, _ = fw.Write([]byte("x"))
	mw.Close()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do upload: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var upload struct {
		Documents []DocumentResponse `json:"documents"`
	}
	_ = json.Unmarshal(data, &upload)
	if len(upload.Documents) != 1 || upload.Documents[0].FieldName != "procuracao" {
		t.Fatalf("alias not normalized: %+v", upload)
	}
}

func TestEventsJournalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createCase(t, srv, "civil-action", "")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?after=0&case_id="+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 || page.Items[0].Type != "case.created" {
		t.Fatalf("expected case.created first, got %+v", page.Items)
	}
}

func TestIdentityAttribution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createCase(t, srv, "civil-action", "")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/notes", map[string]any{
		"step_id": 0,
		"content": "despacho juntado",
	}, map[string]string{"X-Author": "bruno"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add note status %d: %s", res.StatusCode, string(data))
	}
	var addRes struct {
		Note *NoteResponse `json:"note"`
	}
	_ = json.Unmarshal(data, &addRes)
	if addRes.Note == nil || addRes.Note.AuthorName != "Bruno" {
		t.Fatalf("expected Bruno attribution, got %+v", addRes.Note)
	}

	// No identity at all falls back to the team sentinel.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/notes", map[string]any{
		"step_id": 0,
		"content": "sem autor",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add note status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &addRes)
	if addRes.Note == nil || addRes.Note.AuthorName != "Equipe" {
		t.Fatalf("expected Equipe sentinel, got %+v", addRes.Note)
	}
}
