package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/mindsy-notes/internal/auth"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/store"
	"github.com/yourusername/mindsy-notes/internal/usage"
)

type stubGate struct {
	decision *usage.Decision
	err      error
}

func (g *stubGate) CheckUsageLimits(ctx context.Context, userID string, fileSizeMB float64) (*usage.Decision, error) {
	return g.decision, g.err
}

type stubScheduler struct {
	jobIDs []string
	err    error
}

func (s *stubScheduler) Schedule(ctx context.Context, jobID, userID string) error {
	if s.err != nil {
		return s.err
	}
	s.jobIDs = append(s.jobIDs, jobID)
	return nil
}

type jobReaderFunc func(ctx context.Context, jobID, userID string) (*store.Job, error)

func (f jobReaderFunc) GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error) {
	return f(ctx, jobID, userID)
}

func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.ContextUserKey, userID)
		c.Next()
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, w.Body.String())
	}
	return body
}

// wavHeader は audio/wav として判定される最小バイト列です。
var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00\x44\xac\x00\x00\x88\x58\x01\x00\x02\x00\x10\x00data\x00\x00\x00\x00")

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf, mw.FormDataContentType()
}

func okDecision() *usage.Decision {
	return &usage.Decision{
		CanProcess:     true,
		EffectiveTier:  usage.TierFree,
		MonthlyLimitMB: 10,
	}
}

func TestSubmitHandlerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newStubStore()
	scheduler := &stubScheduler{}

	r := gin.New()
	r.POST("/notes/jobs", asUser("u1"), SubmitHandler(st, SubmitOptions{
		Gate:           &stubGate{decision: okDecision()},
		Scheduler:      scheduler,
		MaxAudioSizeMB: 200,
		MaxPdfSizeMB:   50,
	}, logger.Nop()))

	body, contentType := multipartBody(t,
		map[string]string{"title": "Intro", "language": "en"},
		map[string][]byte{"audio": wavHeader},
	)
	req := httptest.NewRequest(http.MethodPost, "/notes/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	jobID, _ := resp["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in response, got %v", resp)
	}
	if len(scheduler.jobIDs) != 1 || scheduler.jobIDs[0] != jobID {
		t.Fatalf("expected job scheduled, got %#v", scheduler.jobIDs)
	}

	job := st.jobs[jobID]
	if job == nil {
		t.Fatal("expected job row created")
	}
	if job.Status != store.StatusQueued || job.LectureTitle != "Intro" || job.SourceLanguage != "en" {
		t.Fatalf("unexpected job row: %#v", job)
	}
	if _, ok := st.artifacts[job.AudioPath]; !ok {
		t.Fatal("expected audio artifact stored")
	}
}

func TestSubmitHandlerRejectsNonAudio(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/notes/jobs", asUser("u1"), SubmitHandler(newStubStore(), SubmitOptions{
		Gate:      &stubGate{decision: okDecision()},
		Scheduler: &stubScheduler{},
	}, logger.Nop()))

	body, contentType := multipartBody(t, nil, map[string][]byte{
		"audio": []byte("plain text, definitely not audio"),
	})
	req := httptest.NewRequest(http.MethodPost, "/notes/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != CodeInvalidInput {
		t.Fatalf("expected %s, got %v", CodeInvalidInput, resp)
	}
}

func TestSubmitHandlerMissingAudio(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/notes/jobs", asUser("u1"), SubmitHandler(newStubStore(), SubmitOptions{
		Gate:      &stubGate{decision: okDecision()},
		Scheduler: &stubScheduler{},
	}, logger.Nop()))

	body, contentType := multipartBody(t, map[string]string{"title": "x"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/notes/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitHandlerUsageLimitExceeded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/notes/jobs", asUser("u1"), SubmitHandler(newStubStore(), SubmitOptions{
		Gate: &stubGate{decision: &usage.Decision{
			CanProcess:     false,
			EffectiveTier:  usage.TierFree,
			MonthlyLimitMB: 10,
			CurrentUsageMB: 9,
			Message:        "limit reached",
		}},
		Scheduler: &stubScheduler{},
	}, logger.Nop()))

	body, contentType := multipartBody(t, nil, map[string][]byte{"audio": wavHeader})
	req := httptest.NewRequest(http.MethodPost, "/notes/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["code"] != CodeUsageLimitExceeded {
		t.Fatalf("expected %s, got %v", CodeUsageLimitExceeded, resp)
	}
	if resp["effectiveTier"] != "free" {
		t.Fatalf("expected tier detail in response, got %v", resp)
	}
}

func TestSubmitHandlerRejectsInvalidPdf(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/notes/jobs", asUser("u1"), SubmitHandler(newStubStore(), SubmitOptions{
		Gate:      &stubGate{decision: okDecision()},
		Scheduler: &stubScheduler{},
	}, logger.Nop()))

	body, contentType := multipartBody(t, nil, map[string][]byte{
		"audio": wavHeader,
		"pdf":   []byte("not a pdf"),
	})
	req := httptest.NewRequest(http.MethodPost, "/notes/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatusHandlerNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reader := jobReaderFunc(func(ctx context.Context, jobID, userID string) (*store.Job, error) {
		return nil, nil
	})

	r := gin.New()
	r.GET("/notes/jobs/:id", asUser("u1"), StatusHandler(reader))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/someone-elses-job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != CodeJobNotFound {
		t.Fatalf("expected %s, got %v", CodeJobNotFound, resp)
	}
}

func TestStatusHandlerCompletedJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	completedAt := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	output := "u1/cornell-notes/job-1_en.pdf"
	reader := jobReaderFunc(func(ctx context.Context, jobID, userID string) (*store.Job, error) {
		return &store.Job{
			ID:              "job-1",
			UserID:          "u1",
			LectureTitle:    "Intro",
			SourceLanguage:  "en",
			Status:          store.StatusCompleted,
			ProgressPercent: 100,
			OutputPath:      &output,
			CompletedAt:     &completedAt,
		}, nil
	})

	r := gin.New()
	r.GET("/notes/jobs/:id", asUser("u1"), StatusHandler(reader))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "completed" {
		t.Fatalf("unexpected status: %v", resp)
	}
	if resp["downloadUrl"] != "/api/notes/jobs/job-1/download" {
		t.Fatalf("unexpected downloadUrl: %v", resp["downloadUrl"])
	}
	progress, _ := resp["progress"].(map[string]any)
	if progress == nil || progress["percent"] != float64(100) {
		t.Fatalf("unexpected progress: %v", resp["progress"])
	}
}

func TestStatusHandlerFailedJobIncludesError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	code := CodeTranscriptionFailed
	message := "音声の文字起こしに失敗しました。"
	reader := jobReaderFunc(func(ctx context.Context, jobID, userID string) (*store.Job, error) {
		return &store.Job{
			ID:           "job-1",
			UserID:       "u1",
			Status:       store.StatusFailed,
			ErrorCode:    &code,
			ErrorMessage: &message,
		}, nil
	})

	r := gin.New()
	r.GET("/notes/jobs/:id", asUser("u1"), StatusHandler(reader))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	resp := decodeBody(t, w)
	errPayload, _ := resp["error"].(map[string]any)
	if errPayload == nil || errPayload["code"] != CodeTranscriptionFailed {
		t.Fatalf("expected error payload, got %v", resp)
	}
	if _, ok := resp["downloadUrl"]; ok {
		t.Fatal("failed job must not expose downloadUrl")
	}
}

func TestDownloadHandlerNotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newStubStore()
	st.jobs["job-1"] = &store.Job{ID: "job-1", UserID: "u1", Status: store.StatusTranscribing}

	r := gin.New()
	r.GET("/notes/jobs/:id/download", asUser("u1"), DownloadHandler(st, logger.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1/download", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != CodeJobNotReady {
		t.Fatalf("expected %s, got %v", CodeJobNotReady, resp)
	}
}

func TestDownloadHandlerArtifactMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newStubStore()
	output := "u1/cornell-notes/job-1_en.pdf"
	st.jobs["job-1"] = &store.Job{ID: "job-1", UserID: "u1", Status: store.StatusCompleted, OutputPath: &output}
	// 成果物は保存しない → ストレージ欠損を再現

	r := gin.New()
	r.GET("/notes/jobs/:id/download", asUser("u1"), DownloadHandler(st, logger.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1/download", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != CodeArtifactMissing {
		t.Fatalf("expected %s, got %v", CodeArtifactMissing, resp)
	}
}

func TestDownloadHandlerForeignJobHidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newStubStore()
	st.jobs["job-1"] = &store.Job{ID: "job-1", UserID: "owner", Status: store.StatusCompleted}

	r := gin.New()
	r.GET("/notes/jobs/:id/download", asUser("intruder"), DownloadHandler(st, logger.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1/download", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign job must look like 404, got %d", w.Code)
	}
}

func TestDownloadHandlerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newStubStore()
	output := "u1/cornell-notes/job-1_en.pdf"
	st.jobs["job-1"] = &store.Job{
		ID:           "job-1",
		UserID:       "u1",
		LectureTitle: "Intro",
		Status:       store.StatusCompleted,
		OutputPath:   &output,
	}
	st.artifacts[output] = []byte(minimalPDF)

	r := gin.New()
	r.GET("/notes/jobs/:id/download", asUser("u1"), DownloadHandler(st, logger.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/notes/jobs/job-1/download", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd == "" || !bytes.Contains([]byte(cd), []byte("Intro.pdf")) {
		t.Fatalf("unexpected content disposition: %s", cd)
	}
	if w.Header().Get("X-Job-Id") != "job-1" {
		t.Fatalf("missing X-Job-Id header")
	}
	if !bytes.Equal(w.Body.Bytes(), []byte(minimalPDF)) {
		t.Fatal("body does not match stored artifact")
	}
}

func TestUsageHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/usage", asUser("u1"), UsageHandler(&stubGate{decision: &usage.Decision{
		CanProcess:       true,
		EffectiveTier:    usage.TierStudent,
		MonthlyLimitMB:   700,
		CurrentUsageMB:   120.5,
		GraceRemainingMB: 0,
	}}))

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["effectiveTier"] != "student" || resp["monthlyLimitMb"] != float64(700) {
		t.Fatalf("unexpected usage payload: %v", resp)
	}
}

func TestUsageHandlerGateFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/usage", asUser("u1"), UsageHandler(&stubGate{err: errors.New("db down")}))

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
