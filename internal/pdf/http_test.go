package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/codec/codectest"
	"github.com/yourusername/paperkit/internal/progress"
	"github.com/yourusername/paperkit/internal/storage"
)

type stubJobService struct {
	manifest *JobManifest
	result   *JobResult
	prepErr  error
	runErr   error

	gotOp      OperationType
	gotUploads []Upload
	gotOptions any
	ran        bool
	discarded  string
}

func (s *stubJobService) PrepareJob(ctx context.Context, op OperationType, uploads []Upload, options any) (*JobManifest, error) {
	s.gotOp, s.gotUploads, s.gotOptions = op, uploads, options
	if s.prepErr != nil {
		return nil, s.prepErr
	}
	return s.manifest, nil
}

func (s *stubJobService) RunJob(ctx context.Context, jobID string, report progress.Reporter) (*JobResult, error) {
	s.ran = true
	return s.result, s.runErr
}

func (s *stubJobService) DiscardJob(jobID string) error {
	s.discarded = jobID
	return nil
}

type stubScheduler struct {
	err    error
	op     OperationType
	jobID  string
	called bool
}

func (s *stubScheduler) Schedule(ctx context.Context, op OperationType, jobID string) error {
	s.called, s.op, s.jobID = true, op, jobID
	return s.err
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, path string, files []formFile, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		fw, err := writer.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(f.data); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(handler gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST(req.URL.Path, handler)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestParseOrderJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("order=%5B0%2C2%2C1%5D"))
	ctx.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	order, err := parseOrder(ctx)
	if err != nil {
		t.Fatalf("parseOrder returned error: %v", err)
	}
	expected := []int{0, 2, 1}
	if len(order) != len(expected) {
		t.Fatalf("unexpected order length: %#v", order)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d] = %d, want %d", i, order[i], v)
		}
	}
}

func TestParseOrderArray(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("order[]=0&order[]=1"))
	ctx.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	order, err := parseOrder(ctx)
	if err != nil {
		t.Fatalf("parseOrder returned error: %v", err)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("unexpected order: %#v", order)
	}
}

func TestParseOrderInvalid(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("order=not-json"))
	ctx.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := parseOrder(ctx); err == nil {
		t.Fatal("expected error for invalid order")
	}
}

func TestOperationHandlerStreamsResult(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "rotated.pdf")
	data := []byte("%PDF-1.7\n% rotated\n")
	if err := os.WriteFile(outputPath, data, 0o640); err != nil {
		t.Fatalf("failed to create output file: %v", err)
	}
	cleaned := false
	svc := &stubJobService{
		manifest: &JobManifest{JobID: "job-123", Operation: OperationRotate},
		result: &JobResult{
			JobID:          "job-123",
			Operation:      OperationRotate,
			OutputPath:     outputPath,
			OutputFilename: "rotated.pdf",
			OutputSize:     int64(len(data)),
			ResultKind:     ResultKindPDF,
			cleanup:        func() error { cleaned = true; return nil },
		},
	}

	req := multipartRequest(t, "/api/pdf/rotate",
		[]formFile{{field: "file", name: "in.pdf", data: []byte("dummy")}},
		map[string]string{"degrees": "90", "pages": "1-2"})
	rec := serve(OperationHandler(svc, OperationRotate, HandlerOptions{}), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if rec.Header().Get("X-Job-Id") != "job-123" {
		t.Fatalf("unexpected X-Job-Id header: %s", rec.Header().Get("X-Job-Id"))
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatalf("unexpected response body: %q", rec.Body.Bytes())
	}
	if !cleaned {
		t.Fatal("expected workspace cleanup after streaming")
	}

	opts, ok := svc.gotOptions.(*RotateOptions)
	if !ok {
		t.Fatalf("options type = %T", svc.gotOptions)
	}
	if opts.Degrees != 90 || opts.Pages != "1-2" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestOperationHandlerOptionsJSON(t *testing.T) {
	svc := &stubJobService{prepErr: newError(CodeNoPages, "none", nil)}
	req := multipartRequest(t, "/api/pdf/reorder",
		[]formFile{{field: "file", name: "in.pdf", data: []byte("dummy")}},
		map[string]string{"options": `{"order":[2,0],"rotations":{"0":90}}`})
	rec := serve(OperationHandler(svc, OperationReorder, HandlerOptions{}), req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	opts := svc.gotOptions.(*ReorderOptions)
	if len(opts.Order) != 2 || opts.Order[0] != 2 || opts.Rotations[0] != 90 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	bad := multipartRequest(t, "/api/pdf/reorder",
		[]formFile{{field: "file", name: "in.pdf", data: []byte("dummy")}},
		map[string]string{"options": `{"order":[0],"unknown":true}`})
	if rec := serve(OperationHandler(&stubJobService{}, OperationReorder, HandlerOptions{}), bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown option field should be rejected, got %d", rec.Code)
	}
}

func TestOperationHandlerCollectsWatermarkImage(t *testing.T) {
	svc := &stubJobService{prepErr: errors.New("stop")}
	req := multipartRequest(t, "/api/pdf/watermark",
		[]formFile{
			{field: "file", name: "in.pdf", data: []byte("dummy")},
			{field: "image", name: "logo.png", data: []byte("png")},
		}, nil)
	serve(OperationHandler(svc, OperationWatermark, HandlerOptions{}), req)

	if len(svc.gotUploads) != 2 || svc.gotUploads[0].Role != RoleSource || svc.gotUploads[1].Role != RoleImage {
		t.Fatalf("unexpected uploads: %+v", svc.gotUploads)
	}
}

func TestOperationHandlerSchedulesLargeJobs(t *testing.T) {
	svc := &stubJobService{
		manifest: &JobManifest{
			JobID:     "job-456",
			Operation: OperationMerge,
			Files:     []JobFile{{Size: 10, Pages: 80}, {Size: 10, Pages: 80}},
		},
	}
	sched := &stubScheduler{}
	req := multipartRequest(t, "/api/pdf/merge",
		[]formFile{
			{field: "files[]", name: "a.pdf", data: []byte("a")},
			{field: "files[]", name: "b.pdf", data: []byte("b")},
		}, nil)
	rec := serve(OperationHandler(svc, OperationMerge, HandlerOptions{Scheduler: sched, AsyncThresholdPages: 120}), req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["jobId"] != "job-456" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if !sched.called || sched.op != OperationMerge || sched.jobID != "job-456" {
		t.Fatalf("unexpected schedule call: %+v", sched)
	}
	if svc.ran {
		t.Fatal("scheduled job must not run synchronously")
	}
	if len(svc.gotUploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(svc.gotUploads))
	}
}

func TestOperationHandlerDiscardsWhenScheduleFails(t *testing.T) {
	svc := &stubJobService{manifest: &JobManifest{JobID: "job-789", Operation: OperationRotate, Files: []JobFile{{Size: 100}}}}
	sched := &stubScheduler{err: errors.New("redis down")}
	req := multipartRequest(t, "/api/pdf/rotate", []formFile{{field: "file", name: "in.pdf", data: []byte("x")}}, nil)
	rec := serve(OperationHandler(svc, OperationRotate, HandlerOptions{Scheduler: sched, AsyncThresholdBytes: 1}), req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if svc.discarded != "job-789" {
		t.Fatalf("workspace not discarded: %q", svc.discarded)
	}
}

func TestOperationHandlerRequiresFile(t *testing.T) {
	req := multipartRequest(t, "/api/pdf/rotate", nil, map[string]string{"degrees": "90"})
	rec := serve(OperationHandler(&stubJobService{}, OperationRotate, HandlerOptions{}), req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestRespondWithErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{newError(CodeLimitExceeded, "too big", nil), http.StatusRequestEntityTooLarge},
		{newError(CodeInvalidInput, "bad", nil), http.StatusBadRequest},
		{newError(CodeLossyNotAllowed, "consent", nil), http.StatusBadRequest},
		{newError(CodeNoPages, "none", nil), http.StatusUnprocessableEntity},
		{newError(CodeInvalidGeometry, "geom", nil), http.StatusUnprocessableEntity},
		{newError(CodeUnsupportedPDF, "broken", nil), http.StatusUnprocessableEntity},
		{newError(CodeResource, "gs", nil), http.StatusInternalServerError},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	gin.SetMode(gin.TestMode)
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(rec)
		respondWithError(ctx, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestReadHandlerReturnsStats(t *testing.T) {
	svc, _ := newTestService(t)
	src := codectest.Build("A", 3, 600, 800)
	req := multipartRequest(t, "/api/pdf/inspect", []formFile{{field: "file", name: "in.pdf", data: src}}, nil)
	rec := serve(ReadHandler(svc.Inspect, HandlerOptions{}), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["pages"] != float64(3) {
		t.Fatalf("unexpected payload: %v", payload)
	}

	broken := multipartRequest(t, "/api/pdf/inspect", []formFile{{field: "file", name: "in.pdf", data: []byte("junk")}}, nil)
	rec = serve(ReadHandler(svc.Inspect, HandlerOptions{}), broken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["code"] != CodeUnsupportedPDF {
		t.Fatalf("unexpected payload: %v", payload)
	}

	limited := multipartRequest(t, "/api/pdf/inspect", []formFile{{field: "file", name: "in.pdf", data: src}}, nil)
	rec = serve(ReadHandler(svc.Inspect, HandlerOptions{MaxFileSize: 8}), limited)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func newJobTestService(t *testing.T) (*Service, *storage.Local) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(store.Close)
	svc, _ := newTestService(t, WithStorage(store))
	return svc, store
}

func TestJobRoundTripThroughWorkspace(t *testing.T) {
	svc, store := newJobTestService(t)
	req := multipartRequest(t, "/api/pdf/merge",
		[]formFile{
			{field: "files[]", name: "a.pdf", data: codectest.Build("A", 2, 600, 800)},
			{field: "files[]", name: "b.pdf", data: codectest.Build("B", 1, 600, 800)},
		}, nil)
	rec := serve(OperationHandler(svc, OperationMerge, HandlerOptions{}), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	out, err := codectest.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	equalIDs(t, out.IDs(), []string{"A1", "A2", "B1"})

	jobID := rec.Header().Get("X-Job-Id")
	if _, err := store.Open(jobID); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed after streaming, err=%v", err)
	}
}

func TestPrepareAndRunJobWithImage(t *testing.T) {
	svc, store := newJobTestService(t)
	req := multipartRequest(t, "/api/pdf/sign",
		[]formFile{
			{field: "file", name: "contract.pdf", data: codectest.Build("A", 2, 600, 800)},
			{field: "image", name: "sign.png", data: pngImage(t, 20, 10)},
		}, map[string]string{"options": `{"width":100}`})
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse form: %v", err)
	}
	uploads := append(Sources(req.MultipartForm.File["file"]), Upload{Header: req.MultipartForm.File["image"][0], Role: RoleImage})

	manifest, err := svc.PrepareJob(context.Background(), OperationSign, uploads, &SignOptions{Width: 100})
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	if manifest.TotalPages() != 2 || len(manifest.Files) != 2 || manifest.Files[1].MIME != "image/png" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	var stages []progress.Stage
	result, err := svc.RunJob(context.Background(), manifest.JobID, func(u progress.Update) { stages = append(stages, u.Stage) })
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	defer result.Cleanup()
	if stages[len(stages)-1] != progress.StageComplete {
		t.Fatalf("unexpected stages: %v", stages)
	}

	res, file, err := svc.OpenResultFile(manifest.JobID)
	if err != nil {
		t.Fatalf("OpenResultFile: %v", err)
	}
	defer file.Close()
	if res.OutputFilename != "signed.pdf" || res.OutputSize != result.OutputSize {
		t.Fatalf("unexpected result: %+v", res)
	}
	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out, err := codectest.Parse(data)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if img := out.Pages[1].Images; len(img) != 1 || img[0].Box.Width != 100 || img[0].Box.Height != 50 {
		t.Fatalf("unexpected signature: %+v", img)
	}

	if err := result.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := store.Open(manifest.JobID); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, err=%v", err)
	}
}

func TestFailedJobRemovesWorkspace(t *testing.T) {
	svc, store := newJobTestService(t)
	req := multipartRequest(t, "/api/pdf/delete",
		[]formFile{{field: "file", name: "in.pdf", data: codectest.Build("A", 2, 600, 800)}}, nil)
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse form: %v", err)
	}
	manifest, err := svc.PrepareJob(context.Background(), OperationDelete, Sources(req.MultipartForm.File["file"]), &DeleteOptions{Pages: []int{1, 2}})
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}

	_, err = svc.RunJob(context.Background(), manifest.JobID, nil)
	if !errors.Is(err, ErrSelection) {
		t.Fatalf("err = %v, want selection error", err)
	}
	if _, err := store.Open(manifest.JobID); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, err=%v", err)
	}
}

func TestPrepareJobRejectsBadUploads(t *testing.T) {
	svc, _ := newJobTestService(t)
	req := multipartRequest(t, "/api/pdf/rotate",
		[]formFile{
			{field: "file", name: "broken.pdf", data: []byte("junk")},
			{field: "files", name: "a.pdf", data: codectest.Build("A", 1, 600, 800)},
			{field: "files", name: "b.pdf", data: codectest.Build("B", 1, 600, 800)},
		}, nil)
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse form: %v", err)
	}

	_, err := svc.PrepareJob(context.Background(), OperationRotate, Sources(req.MultipartForm.File["file"]), &RotateOptions{})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUnsupportedPDF {
		t.Fatalf("err = %v, want UNSUPPORTED_PDF", err)
	}

	_, err = svc.PrepareJob(context.Background(), OperationRotate, Sources(req.MultipartForm.File["files"]), &RotateOptions{})
	if !errors.As(err, &apiErr) || apiErr.Code != CodeInvalidInput {
		t.Fatalf("err = %v, want INVALID_INPUT for two sources", err)
	}

	_, err = svc.PrepareJob(context.Background(), OperationType("nope"), nil, nil)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("err = %v, want ErrUnknownOperation", err)
	}
}
