package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/middleware"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
	"github.com/taleforge/api/internal/service"
	"github.com/taleforge/api/pkg/imageutil"
	"github.com/taleforge/api/pkg/response"
)

const testManifest = `{
  "positive_prompt": "storybook watercolor",
  "output": {"page_size_px": 32},
  "pages": [
    {"page_num": 1, "base_uri": "s3://books/templates/fox/page_01.png",
     "text_layers": [{"text_template": "Hi {child_name}"}]},
    {"page_num": 2, "base_uri": "s3://books/templates/fox/page_02.png", "needs_face_swap": true}
  ]
}`

type stubDispatcher struct {
	scopes   []pipeline.Scope
	analyses []string
}

func (d *stubDispatcher) Enqueue(_ context.Context, scope pipeline.Scope) error {
	d.scopes = append(d.scopes, scope)
	return nil
}

func (d *stubDispatcher) EnqueueFullStage(ctx context.Context, jobID string, stage model.Stage) error {
	return d.Enqueue(ctx, pipeline.Scope{JobID: jobID, Stage: stage})
}

func (d *stubDispatcher) EnqueueAnalysis(_ context.Context, jobID string) error {
	d.analyses = append(d.analyses, jobID)
	return nil
}

type testApp struct {
	app  *fiber.App
	jobs *repository.MemoryJobRepository
	disp *stubDispatcher
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := client.NewMemoryStorage("books")
	store.Put(context.Background(), book.ManifestKey("fox"), []byte(testManifest), "application/json")

	ta := &testApp{jobs: repository.NewMemoryJobRepository(), disp: &stubDispatcher{}}
	ledger := repository.NewMemoryArtifactLedger(ta.jobs)
	uploads := service.NewUploadService(store)
	loader := book.NewLoader(store)
	resolver := book.NewResolver(book.FlaggedOrFirstN(2))

	svc := service.NewPersonalizationService(service.PersonalizationDeps{
		Jobs:              ta.jobs,
		Ledger:            ledger,
		Purger:            ledger,
		Uploads:           uploads,
		Manifests:         loader,
		Resolver:          resolver,
		Dispatcher:        ta.disp,
		RegenerationLimit: 3,
		Logger:            zerolog.Nop(),
	})
	regen := service.NewRegenerationService(ta.jobs, loader, resolver, uploads, ta.disp, zerolog.Nop())

	pass := func(c *fiber.Ctx) error { return c.Next() }
	ta.app = fiber.New()
	api := ta.app.Group("/api", middleware.GatewayAuthMiddleware())
	NewPersonalizationHandler(svc, regen, validator.New()).Register(api, pass, pass, middleware.RequireInternalToken("internal"))
	return ta
}

func (ta *testApp) seed(t *testing.T, status model.JobStatus, used int) {
	t.Helper()
	err := ta.jobs.Create(context.Background(), &model.Job{
		ID:     "job-1",
		UserID: "user-1",
		Slug:   "fox",
		Status: status,
		Analysis: model.AnalysisMetadata{
			Result: model.AnalysisResult{FaceDetected: true},
			Budget: model.RegenerationBudget{Used: used, Limit: 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (ta *testApp) do(t *testing.T, req *http.Request, user string) (int, []byte) {
	t.Helper()
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e response.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Error.Code
}

func pngPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 180
	}
	data, err := imageutil.EncodePNG(img, 0)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func multipartRequest(t *testing.T, url string, fields map[string]string, photo []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if photo != nil {
		fw, err := w.CreateFormFile("photo", "child.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(photo)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestUpload(t *testing.T) {
	ta := newTestApp(t)

	req := multipartRequest(t, "/api/personalizations/upload", map[string]string{
		"slug":        "fox",
		"childName":   "Alina",
		"childAge":    "5",
		"childGender": "girl",
	}, pngPhoto(t))
	status, body := ta.do(t, req, "user-1")
	if status != fiber.StatusCreated {
		t.Fatalf("status = %d, body %s", status, body)
	}

	var resp model.PersonalizationResponse
	json.Unmarshal(body, &resp)
	if resp.Status != model.JobStatusPendingAnalysis || len(ta.disp.analyses) != 1 || ta.disp.analyses[0] != resp.JobID {
		t.Errorf("resp = %+v, analyses = %v", resp, ta.disp.analyses)
	}

	job, err := ta.jobs.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.UserID != "user-1" || job.ChildName != "Alina" || job.ChildAge == nil || *job.ChildAge != 5 {
		t.Errorf("job = %+v", job)
	}
}

func TestUpload_Validation(t *testing.T) {
	ta := newTestApp(t)

	tests := []struct {
		name   string
		fields map[string]string
		photo  []byte
		status int
	}{
		{"missing slug", map[string]string{"childName": "A"}, pngPhoto(t), fiber.StatusBadRequest},
		{"bad gender", map[string]string{"slug": "fox", "childGender": "cat"}, pngPhoto(t), fiber.StatusBadRequest},
		{"bad age", map[string]string{"slug": "fox", "childAge": "five"}, pngPhoto(t), fiber.StatusBadRequest},
		{"missing photo", map[string]string{"slug": "fox"}, nil, fiber.StatusBadRequest},
		{"not an image", map[string]string{"slug": "fox"}, []byte("hello"), fiber.StatusBadRequest},
		{"unknown book", map[string]string{"slug": "owl"}, pngPhoto(t), fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ta.do(t, multipartRequest(t, "/api/personalizations/upload", tt.fields, tt.photo), "user-1")
			if status != tt.status {
				t.Errorf("status = %d, want %d, body %s", status, tt.status, body)
			}
		})
	}
	if len(ta.disp.analyses) != 0 {
		t.Errorf("rejected uploads queued analysis: %v", ta.disp.analyses)
	}
}

func TestMissingIdentity(t *testing.T) {
	ta := newTestApp(t)
	status, body := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/personalizations/job-1", nil), "")
	if status != fiber.StatusUnauthorized || errorCode(t, body) != response.CodeUnauthorized {
		t.Errorf("status = %d, body %s", status, body)
	}
}

func TestStatus_Ownership(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusPrepayReady, 0)

	status, body := ta.do(t, httptest.NewRequest(http.MethodGet, "/api/personalizations/job-1", nil), "user-1")
	if status != fiber.StatusOK {
		t.Fatalf("owner: status = %d, body %s", status, body)
	}
	var view model.PersonalizationStatusResponse
	json.Unmarshal(body, &view)
	if view.Status != model.JobStatusPrepayReady || view.Stage != model.StagePrepay {
		t.Errorf("view = %+v", view)
	}

	status, body = ta.do(t, httptest.NewRequest(http.MethodGet, "/api/personalizations/job-1", nil), "user-2")
	if status != fiber.StatusForbidden || errorCode(t, body) != response.CodeForbidden {
		t.Errorf("stranger: status = %d, body %s", status, body)
	}

	status, _ = ta.do(t, httptest.NewRequest(http.MethodGet, "/api/personalizations/nope", nil), "user-1")
	if status != fiber.StatusNotFound {
		t.Errorf("missing job: status = %d", status)
	}
}

func TestConfirm(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusAnalyzingCompleted, 0)

	status, body := ta.do(t, jsonRequest(http.MethodPost, "/api/personalizations/job-1/confirm", `{}`), "user-1")
	if status != fiber.StatusBadRequest {
		t.Errorf("missing name: status = %d, body %s", status, body)
	}

	status, body = ta.do(t, jsonRequest(http.MethodPost, "/api/personalizations/job-1/confirm", `{"childName":"Alina"}`), "user-1")
	if status != fiber.StatusAccepted {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if len(ta.disp.scopes) != 1 || ta.disp.scopes[0].Stage != model.StagePrepay {
		t.Errorf("scopes = %+v", ta.disp.scopes)
	}

	status, body = ta.do(t, jsonRequest(http.MethodPost, "/api/personalizations/job-1/confirm", `{"childName":"Alina"}`), "user-1")
	if status != fiber.StatusConflict || errorCode(t, body) != response.CodeInvalidState {
		t.Errorf("second confirm: status = %d, body %s", status, body)
	}
}

func TestPurchase_RequiresInternalToken(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusPrepayReady, 0)

	status, _ := ta.do(t, httptest.NewRequest(http.MethodPost, "/api/personalizations/job-1/purchase", nil), "user-1")
	if status != fiber.StatusForbidden {
		t.Errorf("without token: status = %d", status)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/personalizations/job-1/purchase", nil)
	req.Header.Set("X-Internal-Token", "internal")
	status, body := ta.do(t, req, "order-service")
	if status != fiber.StatusAccepted {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if len(ta.disp.scopes) != 1 || ta.disp.scopes[0].Stage != model.StagePostpay {
		t.Errorf("scopes = %+v", ta.disp.scopes)
	}
}

func TestRegeneratePage(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusPrepayReady, 0)

	status, body := ta.do(t, multipartRequest(t, "/api/personalizations/job-1/pages/1/regenerate", nil, nil), "user-1")
	if status != fiber.StatusBadRequest || errorCode(t, body) != response.CodeNotAllowed {
		t.Errorf("text-only page: status = %d, body %s", status, body)
	}

	status, body = ta.do(t, multipartRequest(t, "/api/personalizations/job-1/pages/2/regenerate", nil, pngPhoto(t)), "user-1")
	if status != fiber.StatusAccepted {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var resp model.RegenerationResponse
	json.Unmarshal(body, &resp)
	if resp.PageNum == nil || *resp.PageNum != 2 || resp.Budget.Used != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(ta.disp.scopes) != 1 || ta.disp.scopes[0].OverridePhotoURI == "" {
		t.Errorf("scopes = %+v", ta.disp.scopes)
	}

	status, _ = ta.do(t, httptest.NewRequest(http.MethodPost, "/api/personalizations/job-1/pages/zero/regenerate", nil), "user-1")
	if status != fiber.StatusBadRequest {
		t.Errorf("bad page number: status = %d", status)
	}
}

func TestRegenerate_LimitExceeded(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusCompleted, 3)

	status, body := ta.do(t, jsonRequest(http.MethodPost, "/api/personalizations/job-1/regenerate", `{}`), "user-1")
	if status != fiber.StatusTooManyRequests || errorCode(t, body) != response.CodeLimitExceeded {
		t.Errorf("status = %d, body %s", status, body)
	}

	status, body = ta.do(t, jsonRequest(http.MethodPost, "/api/personalizations/job-1/regenerate", `{"stage":"later"}`), "user-1")
	if status != fiber.StatusBadRequest {
		t.Errorf("bad stage: status = %d, body %s", status, body)
	}
}

func TestCancel(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, model.JobStatusPrepayGenerating, 0)

	status, body := ta.do(t, httptest.NewRequest(http.MethodPost, "/api/personalizations/job-1/cancel", nil), "user-1")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	status, _ = ta.do(t, httptest.NewRequest(http.MethodPost, "/api/personalizations/job-1/cancel", nil), "user-1")
	if status != fiber.StatusConflict {
		t.Errorf("cancel twice: status = %d", status)
	}
}
