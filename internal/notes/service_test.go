package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/mindsy-notes/internal/gotenberg"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/openai"
	"github.com/yourusername/mindsy-notes/internal/store"
)

// minimalPDF は1ページ構成の最小PDFです。スタブのコンバーター出力に使います。
const minimalPDF = "\x25\x50\x44\x46\x2d\x31\x2e\x34\x0a\x25\xe2\xe3\xcf\xd3\x0a\x31\x20\x30\x20\x6f\x62\x6a\x0a\x3c\x3c\x20\x2f\x54\x79\x70\x65\x20" +
	"\x2f\x43\x61\x74\x61\x6c\x6f\x67\x20\x2f\x50\x61\x67\x65\x73\x20\x32\x20\x30\x20\x52\x20\x3e\x3e\x0a\x65\x6e\x64\x6f\x62\x6a\x0a" +
	"\x32\x20\x30\x20\x6f\x62\x6a\x0a\x3c\x3c\x20\x2f\x54\x79\x70\x65\x20\x2f\x50\x61\x67\x65\x73\x20\x2f\x4b\x69\x64\x73\x20\x5b\x33" +
	"\x20\x30\x20\x52\x5d\x20\x2f\x43\x6f\x75\x6e\x74\x20\x31\x20\x3e\x3e\x0a\x65\x6e\x64\x6f\x62\x6a\x0a\x33\x20\x30\x20\x6f\x62\x6a" +
	"\x0a\x3c\x3c\x20\x2f\x54\x79\x70\x65\x20\x2f\x50\x61\x67\x65\x20\x2f\x50\x61\x72\x65\x6e\x74\x20\x32\x20\x30\x20\x52\x20\x2f\x4d" +
	"\x65\x64\x69\x61\x42\x6f\x78\x20\x5b\x30\x20\x30\x20\x36\x31\x32\x20\x37\x39\x32\x5d\x20\x2f\x52\x65\x73\x6f\x75\x72\x63\x65\x73" +
	"\x20\x3c\x3c\x20\x2f\x46\x6f\x6e\x74\x20\x3c\x3c\x20\x2f\x46\x31\x20\x35\x20\x30\x20\x52\x20\x3e\x3e\x20\x3e\x3e\x20\x2f\x43\x6f" +
	"\x6e\x74\x65\x6e\x74\x73\x20\x34\x20\x30\x20\x52\x20\x3e\x3e\x0a\x65\x6e\x64\x6f\x62\x6a\x0a\x34\x20\x30\x20\x6f\x62\x6a\x0a\x3c" +
	"\x3c\x20\x2f\x4c\x65\x6e\x67\x74\x68\x20\x35\x31\x20\x3e\x3e\x0a\x73\x74\x72\x65\x61\x6d\x0a\x42\x54\x20\x2f\x46\x31\x20\x31\x32" +
	"\x20\x54\x66\x20\x37\x32\x20\x37\x32\x30\x20\x54\x64\x20\x28\x53\x74\x75\x64\x79\x20\x6e\x6f\x74\x65\x73\x20\x66\x69\x78\x74\x75" +
	"\x72\x65\x29\x20\x54\x6a\x20\x45\x54\x0a\x65\x6e\x64\x73\x74\x72\x65\x61\x6d\x0a\x65\x6e\x64\x6f\x62\x6a\x0a\x35\x20\x30\x20\x6f" +
	"\x62\x6a\x0a\x3c\x3c\x20\x2f\x54\x79\x70\x65\x20\x2f\x46\x6f\x6e\x74\x20\x2f\x53\x75\x62\x74\x79\x70\x65\x20\x2f\x54\x79\x70\x65" +
	"\x31\x20\x2f\x42\x61\x73\x65\x46\x6f\x6e\x74\x20\x2f\x48\x65\x6c\x76\x65\x74\x69\x63\x61\x20\x3e\x3e\x0a\x65\x6e\x64\x6f\x62\x6a" +
	"\x0a\x78\x72\x65\x66\x0a\x30\x20\x36\x0a\x30\x30\x30\x30\x30\x30\x30\x30\x30\x30\x20\x36\x35\x35\x33\x35\x20\x66\x20\x0a\x30\x30" +
	"\x30\x30\x30\x30\x30\x30\x31\x35\x20\x30\x30\x30\x30\x30\x20\x6e\x20\x0a\x30\x30\x30\x30\x30\x30\x30\x30\x36\x34\x20\x30\x30\x30" +
	"\x30\x30\x20\x6e\x20\x0a\x30\x30\x30\x30\x30\x30\x30\x31\x32\x31\x20\x30\x30\x30\x30\x30\x20\x6e\x20\x0a\x30\x30\x30\x30\x30\x30" +
	"\x30\x32\x34\x37\x20\x30\x30\x30\x30\x30\x20\x6e\x20\x0a\x30\x30\x30\x30\x30\x30\x30\x33\x34\x37\x20\x30\x30\x30\x30\x30\x20\x6e" +
	"\x20\x0a\x74\x72\x61\x69\x6c\x65\x72\x0a\x3c\x3c\x20\x2f\x53\x69\x7a\x65\x20\x36\x20\x2f\x52\x6f\x6f\x74\x20\x31\x20\x30\x20\x52" +
	"\x20\x3e\x3e\x0a\x73\x74\x61\x72\x74\x78\x72\x65\x66\x0a\x34\x31\x37\x0a\x25\x25\x45\x4f\x46\x0a"

const validNotesEN = `# Intro to Databases

## Key Concepts
- Relational model

## Detailed Notes
### Storage engines
Pages and B-trees.

## Summary
Databases organize data.

## Practice Questions
1. What is a B-tree?
`

type statusChange struct {
	status  store.JobStatus
	percent int
}

// stubStore はパイプラインが使う永続化操作のインメモリ実装です。
type stubStore struct {
	mu sync.Mutex

	jobs      map[string]*store.Job
	artifacts map[string][]byte

	statuses    []statusChange
	progresses  []int
	transcripts map[string]string
	notesRefs   map[string]string
	titles      map[string]string

	completedAt   map[string]time.Time
	outputPaths   map[string]string
	failedCode    map[string]string
	failedMessage map[string]string

	usageCalls []float64

	getArtifactErr error
	putArtifactErr error
	incrementErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		jobs:          make(map[string]*store.Job),
		artifacts:     make(map[string][]byte),
		transcripts:   make(map[string]string),
		notesRefs:     make(map[string]string),
		titles:        make(map[string]string),
		completedAt:   make(map[string]time.Time),
		outputPaths:   make(map[string]string),
		failedCode:    make(map[string]string),
		failedMessage: make(map[string]string),
	}
}

func (s *stubStore) CreateJob(ctx context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *stubStore) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID], nil
}

func (s *stubStore) GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job == nil || job.UserID != userID {
		return nil, nil
	}
	return job, nil
}

func (s *stubStore) UpdateJobStatus(ctx context.Context, jobID string, status store.JobStatus, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{status: status, percent: percent})
	if job := s.jobs[jobID]; job != nil {
		job.Status = status
		job.ProgressPercent = percent
	}
	return nil
}

func (s *stubStore) UpdateJobProgress(ctx context.Context, jobID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progresses = append(s.progresses, percent)
	return nil
}

func (s *stubStore) SetJobTranscript(ctx context.Context, jobID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[jobID] = path
	return nil
}

func (s *stubStore) SetJobNotes(ctx context.Context, jobID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notesRefs[jobID] = path
	return nil
}

func (s *stubStore) SetJobTitle(ctx context.Context, jobID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[jobID] = title
	return nil
}

func (s *stubStore) MarkJobCompleted(ctx context.Context, jobID, outputPath string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedAt[jobID] = completedAt
	s.outputPaths[jobID] = outputPath
	if job := s.jobs[jobID]; job != nil {
		job.Status = store.StatusCompleted
		job.ProgressPercent = 100
		job.OutputPath = &outputPath
	}
	return nil
}

func (s *stubStore) MarkJobFailed(ctx context.Context, jobID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCode[jobID] = code
	s.failedMessage[jobID] = message
	if job := s.jobs[jobID]; job != nil {
		job.Status = store.StatusFailed
	}
	return nil
}

func (s *stubStore) PutArtifact(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putArtifactErr != nil {
		return "", s.putArtifactErr
	}
	s.artifacts[path] = data
	return path, nil
}

func (s *stubStore) GetArtifact(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getArtifactErr != nil {
		return nil, s.getArtifactErr
	}
	data, ok := s.artifacts[path]
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", path)
	}
	return data, nil
}

func (s *stubStore) IncrementUsage(ctx context.Context, userID, monthKey string, mb float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	s.usageCalls = append(s.usageCalls, mb)
	return nil
}

// stubAI は OpenAI クライアントのスタブです。
type stubAI struct {
	transcript    string
	transcribeErr error

	completions   []string
	completeErr   error
	completeCalls int
	lastUser      string
}

func (a *stubAI) Transcribe(ctx context.Context, filename string, audio []byte, language string) (string, error) {
	if a.transcribeErr != nil {
		return "", a.transcribeErr
	}
	return a.transcript, nil
}

func (a *stubAI) Complete(ctx context.Context, system, user string) (string, error) {
	a.lastUser = user
	if a.completeErr != nil {
		return "", a.completeErr
	}
	idx := a.completeCalls
	a.completeCalls++
	if idx >= len(a.completions) {
		idx = len(a.completions) - 1
	}
	if idx < 0 {
		return "", errors.New("no completion configured")
	}
	return a.completions[idx], nil
}

// stubConverter は Gotenberg のスタブです。
type stubConverter struct {
	pdf []byte
	err error
}

func (c *stubConverter) ConvertHTML(ctx context.Context, html string, opts gotenberg.PrintOptions) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.pdf, nil
}

func seedJob(st *stubStore, lang string) *store.Job {
	audioPath := "u1/cornell-notes/job-1_" + lang + ".audio"
	st.artifacts[audioPath] = []byte("fake audio bytes")
	job := &store.Job{
		ID:             "job-1",
		UserID:         "u1",
		LectureTitle:   "Intro to Databases",
		SourceLanguage: lang,
		Status:         store.StatusQueued,
		AudioPath:      audioPath,
		FileSizeMB:     42.5,
	}
	st.jobs[job.ID] = job
	return job
}

func newTestService(t *testing.T, st *stubStore, ai openai.Client, conv *stubConverter) *Service {
	t.Helper()
	svc, err := NewService(st, ai, conv, logger.Nop())
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	svc.now = func() time.Time { return time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestRunJobHappyPath(t *testing.T) {
	st := newStubStore()
	seedJob(st, "en")
	ai := &stubAI{
		transcript:  "today we cover the relational model",
		completions: []string{validNotesEN},
	}
	conv := &stubConverter{pdf: []byte(minimalPDF)}
	svc := newTestService(t, st, ai, conv)

	result, err := svc.RunJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RunJob returned error: %v", err)
	}

	if result.PageCount != 1 {
		t.Fatalf("expected 1 page, got %d", result.PageCount)
	}
	if result.LectureTitle != "Intro to Databases" {
		t.Fatalf("unexpected title: %s", result.LectureTitle)
	}

	wantStatuses := []statusChange{
		{store.StatusTranscribing, 10},
		{store.StatusGeneratingNotes, 50},
		{store.StatusRenderingPdf, 90},
	}
	if len(st.statuses) != len(wantStatuses) {
		t.Fatalf("unexpected status transitions: %#v", st.statuses)
	}
	for i, want := range wantStatuses {
		if st.statuses[i] != want {
			t.Fatalf("status[%d] = %#v, want %#v", i, st.statuses[i], want)
		}
	}

	if _, ok := st.completedAt["job-1"]; !ok {
		t.Fatal("expected job marked completed")
	}
	if _, ok := st.artifacts[result.TranscriptPath]; !ok {
		t.Fatal("transcript artifact not stored")
	}
	if _, ok := st.artifacts[result.NotesPath]; !ok {
		t.Fatal("notes artifact not stored")
	}
	if _, ok := st.artifacts[result.OutputPath]; !ok {
		t.Fatal("output pdf not stored")
	}

	if len(st.usageCalls) != 1 || st.usageCalls[0] != 42.5 {
		t.Fatalf("expected one usage increment of 42.5MB, got %#v", st.usageCalls)
	}
}

func TestRunJobTranscriptionFailure(t *testing.T) {
	st := newStubStore()
	seedJob(st, "en")
	ai := &stubAI{transcribeErr: errors.New("whisper unavailable")}
	svc := newTestService(t, st, ai, &stubConverter{pdf: []byte(minimalPDF)})

	_, err := svc.RunJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeTranscriptionFailed {
		t.Fatalf("expected %s, got %v", CodeTranscriptionFailed, err)
	}
	if st.failedCode["job-1"] != CodeTranscriptionFailed {
		t.Fatalf("expected persisted failure code, got %q", st.failedCode["job-1"])
	}
	if len(st.usageCalls) != 0 {
		t.Fatal("usage must not be debited for failed jobs")
	}
}

func TestRunJobRenderFailure(t *testing.T) {
	st := newStubStore()
	seedJob(st, "en")
	ai := &stubAI{
		transcript:  "lecture transcript",
		completions: []string{validNotesEN},
	}
	svc := newTestService(t, st, ai, &stubConverter{err: errors.New("gotenberg down")})

	_, err := svc.RunJob(context.Background(), "job-1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodePdfRenderFailed {
		t.Fatalf("expected %s, got %v", CodePdfRenderFailed, err)
	}
	if st.failedCode["job-1"] != CodePdfRenderFailed {
		t.Fatalf("expected persisted failure code, got %q", st.failedCode["job-1"])
	}
}

func TestRunJobMissingJob(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st, &stubAI{}, &stubConverter{})

	_, err := svc.RunJob(context.Background(), "nope")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeJobNotFound {
		t.Fatalf("expected %s, got %v", CodeJobNotFound, err)
	}
	if _, ok := st.failedCode["nope"]; ok {
		t.Fatal("vanished job must not be marked failed")
	}
}

func TestRunJobSkipsTerminalJob(t *testing.T) {
	st := newStubStore()
	job := seedJob(st, "en")
	job.Status = store.StatusCompleted

	svc := newTestService(t, st, &stubAI{}, &stubConverter{})
	_, err := svc.RunJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error for terminal job")
	}
	if len(st.statuses) != 0 {
		t.Fatalf("terminal job must not transition, got %#v", st.statuses)
	}
}

func TestRunJobDerivesTitleWhenMissing(t *testing.T) {
	st := newStubStore()
	job := seedJob(st, "en")
	job.LectureTitle = ""

	ai := &stubAI{
		transcript: "lecture transcript",
		completions: []string{
			`["Graph Algorithms in Practice"]`,
			validNotesEN,
		},
	}
	svc := newTestService(t, st, ai, &stubConverter{pdf: []byte(minimalPDF)})

	result, err := svc.RunJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RunJob returned error: %v", err)
	}
	if result.LectureTitle != "Graph Algorithms in Practice" {
		t.Fatalf("unexpected derived title: %s", result.LectureTitle)
	}
	if st.titles["job-1"] != "Graph Algorithms in Practice" {
		t.Fatalf("derived title not persisted: %q", st.titles["job-1"])
	}
}

func TestRunJobFeedsSupplementaryPdfToSynthesis(t *testing.T) {
	st := newStubStore()
	job := seedJob(st, "en")
	pdfPath := "u1/cornell-notes/job-1_en.source.pdf"
	st.artifacts[pdfPath] = []byte(minimalPDF)
	job.PdfPath = &pdfPath

	ai := &stubAI{
		transcript:  "lecture transcript",
		completions: []string{validNotesEN},
	}
	svc := newTestService(t, st, ai, &stubConverter{pdf: []byte(minimalPDF)})

	if _, err := svc.RunJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("RunJob returned error: %v", err)
	}
	// 補助PDFの本文がノート生成プロンプトまで届いていること
	if !strings.Contains(ai.lastUser, "Supplementary material (PDF):") ||
		!strings.Contains(ai.lastUser, "Study notes fixture") {
		t.Fatalf("extracted pdf text missing from synthesis prompt: %q", ai.lastUser)
	}
}

func TestRunJobUsageIncrementFailureStillCompletes(t *testing.T) {
	st := newStubStore()
	seedJob(st, "en")
	st.incrementErr = errors.New("rpc unavailable")

	ai := &stubAI{
		transcript:  "lecture transcript",
		completions: []string{validNotesEN},
	}
	svc := newTestService(t, st, ai, &stubConverter{pdf: []byte(minimalPDF)})

	if _, err := svc.RunJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("RunJob must succeed despite usage increment failure: %v", err)
	}
	if _, ok := st.completedAt["job-1"]; !ok {
		t.Fatal("expected job marked completed")
	}
}
