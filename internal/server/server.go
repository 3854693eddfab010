package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/repo"
	"caseline/internal/storage"
	"caseline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Store    *storage.FileStore
	BasePath string
	Identity IdentityConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"missing_documents"`
	Message string         `json:"message" example:"missing required documents: rnmPai"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"rnmPai\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newIdentityMiddleware(cfg.Identity))
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine, cfg.Store)
	registerWorkflow(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerDocuments(group, cfg.Engine, cfg.Store)
	registerAssignments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerRelay(group, cfg.Engine)
	registerUploadRoutes(router, basePath, cfg.Engine, cfg.Store)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var md workflow.MissingDocumentsError
	if errors.As(err, &md) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_documents", err.Error(), map[string]any{"missing": md.Missing})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "immutable"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caseline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine, store *storage.FileStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.CaseType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "case_type is required", nil)
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			CaseType:  input.Body.CaseType,
			Country:   stringOrEmpty(input.Body.Country),
			Fields:    input.Body.Fields,
			ActorName: identityFromContext(ctx).Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseType string `query:"case_type"`
		Status   string `query:"status"`
		Country  string `query:"country"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			CaseType:        input.CaseType,
			Status:          input.Status,
			Country:         input.Country,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: paginatedCases{Items: mapCases(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-case",
		Method:      http.MethodPatch,
		Path:        "/cases/{case_id}",
		Summary:     "Update case",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   UpdateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := e.PatchCase(ctx, engine.CasePatchOptions{
			ID:               input.CaseID,
			Status:           stringOrEmpty(input.Body.Status),
			Country:          input.Body.Country,
			CurrentStepIndex: input.Body.CurrentStepIndex,
			CompletedSteps:   input.Body.CompletedSteps,
			Fields:           input.Body.Fields,
			ActorName:        identityFromContext(ctx).Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-case",
		Method:        http.MethodDelete,
		Path:          "/cases/{case_id}",
		Summary:       "Delete case",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct{}, error) {
		docs, err := e.DeleteCase(ctx, input.CaseID, identityFromContext(ctx).Name)
		if err != nil {
			return nil, handleError(err)
		}
		if store != nil {
			for _, d := range docs {
				_ = store.Delete(d.StoragePath)
			}
		}
		return &struct{}{}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-case-workflow",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/workflow",
		Summary:     "Workflow state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.GetCaseWorkflow(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	advance := func(forwardOnly bool) func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   AdvanceStepRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			CaseID string             `path:"case_id"`
			Body   AdvanceStepRequest `json:"body"`
		}) (*struct {
			Body WorkflowResponse `json:"body"`
		}, error) {
			if len(bodyBytes(ctx)) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
			}
			w, err := e.AdvanceStep(ctx, engine.StepAdvanceOptions{
				CaseID:      input.CaseID,
				StepIndex:   input.Body.StepIndex,
				ForwardOnly: forwardOnly,
				ActorName:   authorOrIdentity(ctx, input.Body.Author),
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body WorkflowResponse `json:"body"`
			}{Body: workflowResponse(w)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "toggle-step",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/steps/toggle",
		Summary:     "Toggle a workflow step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, advance(false))

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/steps/complete",
		Summary:     "Complete a workflow step",
		Description: "Marks the step and everything before it done regardless of the workflow policy; never un-completes.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, advance(true))

	huma.Register(api, huma.Operation{
		OperationID: "pending-documents",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents/pending",
		Summary:     "Pending document checklist",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body PendingReportResponse `json:"body"`
	}, error) {
		report, err := e.PendingDocuments(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingReportResponse `json:"body"`
		}{Body: pendingResponse(report)}, nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-note",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/notes",
		Summary:       "Append a note",
		Description:   "Whitespace-only content is skipped without error; recorded reports whether an entry was written.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   CreateNoteRequest `json:"body"`
	}) (*struct {
		Status int
		Body   struct {
			Recorded bool          `json:"recorded"`
			Note     *NoteResponse `json:"note,omitempty"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		n, ok, err := e.AddNote(ctx, engine.NoteCreateOptions{
			CaseID:     input.CaseID,
			StepID:     input.Body.StepID,
			Content:    input.Body.Content,
			AuthorName: authorOrIdentity(ctx, input.Body.Author),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   struct {
				Recorded bool          `json:"recorded"`
				Note     *NoteResponse `json:"note,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Recorded = ok
		if ok {
			out.Status = http.StatusCreated
			resp := noteResponse(n)
			out.Body.Note = &resp
		} else {
			out.Status = http.StatusOK
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/notes",
		Summary:     "List notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Order  string `query:"order" enum:"asc,desc"`
	}) (*struct {
		Body []NoteResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListNotes(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Order == "desc" {
			for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
				items[i], items[j] = items[j], items[i]
			}
		}
		return &struct {
			Body []NoteResponse `json:"body"`
		}{Body: mapNotes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-note",
		Method:        http.MethodDelete,
		Path:          "/cases/{case_id}/notes/{note_id}",
		Summary:       "Remove a note",
		Description:   "Removing an id that is not in the log is a no-op.",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		NoteID string `path:"note_id"`
	}) (*struct{}, error) {
		if err := e.RemoveNote(ctx, input.CaseID, input.NoteID, identityFromContext(ctx).Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine, store *storage.FileStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID    string `path:"case_id"`
		FieldName string `query:"field_name"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDocuments(ctx, input.CaseID, input.FieldName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-document",
		Method:        http.MethodDelete,
		Path:          "/documents/{document_id}",
		Summary:       "Delete a document",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct{}, error) {
		doc, err := e.DeleteDocument(ctx, input.DocumentID, identityFromContext(ctx).Name)
		if err != nil {
			return nil, handleError(err)
		}
		if store != nil {
			_ = store.Delete(doc.StoragePath)
		}
		return &struct{}{}, nil
	})
}

// registerUploadRoutes mounts the multipart upload and download endpoints
// directly on the router; they move file bodies, not JSON.
func registerUploadRoutes(router chi.Router, basePath string, e engine.Engine, store *storage.FileStore) {
	uploadPath := path.Join(basePath, "/cases/{case_id}/documents")
	router.Post(uploadPath, func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			respondStatusError(w, http.StatusInternalServerError, "internal_error", "file storage not configured")
			return
		}
		caseID := chi.URLParam(r, "case_id")
		if _, err := e.Repo.GetCase(r.Context(), caseID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				respondStatusError(w, http.StatusNotFound, "not_found", err.Error())
				return
			}
			respondStatusError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondStatusError(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
			return
		}
		values := url.Values(r.MultipartForm.Value)
		fieldName := canonicalFieldName(values)
		if fieldName == "" {
			respondStatusError(w, http.StatusBadRequest, "bad_request", "field_name is required")
			return
		}
		headers := r.MultipartForm.File["file"]
		if len(headers) == 0 {
			headers = r.MultipartForm.File["files"]
		}
		if len(headers) == 0 {
			respondStatusError(w, http.StatusBadRequest, "bad_request", "no file parts in request")
			return
		}
		actor := identityFromContext(r.Context()).Name
		saved := make([]DocumentResponse, 0, len(headers))
		failed := make([]map[string]string, 0)
		for _, hdr := range headers {
			doc, err := saveUpload(r.Context(), e, store, caseID, fieldName, values, hdr, actor)
			if err != nil {
				failed = append(failed, map[string]string{"filename": hdr.Filename, "error": err.Error()})
				continue
			}
			saved = append(saved, documentResponse(doc))
		}
		status := http.StatusCreated
		if len(saved) == 0 {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": saved,
			"failed":    failed,
		})
	})

	downloadPath := path.Join(basePath, "/documents/{document_id}/download")
	router.Get(downloadPath, func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			respondStatusError(w, http.StatusInternalServerError, "internal_error", "file storage not configured")
			return
		}
		doc, err := e.Repo.GetDocument(r.Context(), chi.URLParam(r, "document_id"))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				respondStatusError(w, http.StatusNotFound, "not_found", err.Error())
				return
			}
			respondStatusError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		f, err := store.Open(doc.StoragePath)
		if err != nil {
			respondStatusError(w, http.StatusNotFound, "not_found", "stored file is missing")
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.DisplayName))
		if doc.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
		}
		_, _ = io.Copy(w, f)
	})
}

func saveUpload(
	ctx context.Context,
	e engine.Engine,
	store *storage.FileStore,
	caseID, fieldName string,
	values url.Values,
	hdr *multipart.FileHeader,
	actor string,
) (domain.Document, error) {
	f, err := hdr.Open()
	if err != nil {
		return domain.Document{}, err
	}
	defer f.Close()
	res, err := store.Save(caseID, fieldName, hdr.Filename, f)
	if err != nil {
		return domain.Document{}, err
	}
	doc, err := e.RegisterDocument(ctx, engine.DocumentRegisterOptions{
		CaseID:      caseID,
		FieldName:   fieldName,
		DisplayName: uploadName(values, hdr),
		StoragePath: res.StoragePath,
		Size:        res.Size,
		Checksum:    res.Checksum,
		ActorName:   actor,
	})
	if err != nil {
		// Registration failed after the bytes landed; do not leave
		// an orphan on disk.
		_ = store.Delete(res.StoragePath)
		return domain.Document{}, err
	}
	return doc, nil
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/assignments",
		Summary:       "Assign a step",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string                  `path:"case_id"`
		Body   CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Assignee) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignee is required", nil)
		}
		a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
			CaseID:    input.CaseID,
			StepIndex: input.Body.StepIndex,
			Assignee:  input.Body.Assignee,
			DueDate:   input.Body.DueDate,
			ActorName: identityFromContext(ctx).Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List step assignments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID   string `query:"case_id"`
		Assignee string `query:"assignee"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			CaseID:   input.CaseID,
			Assignee: input.Assignee,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Description: "Without after, returns the newest events first. With after, returns events older than the given id in ascending order so callers can tail the journal.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After  int64  `query:"after"`
		CaseID string `query:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.CaseID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.CaseID, input.Type, "", "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if input.After > 0 && len(items) == limit {
			next = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: mapEvents(items), NextCursor: next}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Office configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OfficeConfigResponse `json:"body"`
	}, error) {
		cfg := e.Config
		if cfg == nil {
			stored, err := e.Repo.GetOfficeConfig(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			cfg = stored
		}
		return &struct {
			Body OfficeConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
