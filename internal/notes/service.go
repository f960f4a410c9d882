package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/mindsy-notes/internal/gotenberg"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/openai"
	"github.com/yourusername/mindsy-notes/internal/pdftext"
	"github.com/yourusername/mindsy-notes/internal/store"
)

// Store はパイプラインが必要とする永続化操作です。*store.Client が実装します。
type Store interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status store.JobStatus, percent int) error
	UpdateJobProgress(ctx context.Context, jobID string, percent int) error
	SetJobTranscript(ctx context.Context, jobID, path string) error
	SetJobNotes(ctx context.Context, jobID, path string) error
	SetJobTitle(ctx context.Context, jobID, title string) error
	MarkJobCompleted(ctx context.Context, jobID, outputPath string, completedAt time.Time) error
	MarkJobFailed(ctx context.Context, jobID, code, message string) error
	PutArtifact(ctx context.Context, path string, data []byte, contentType string) (string, error)
	GetArtifact(ctx context.Context, path string) ([]byte, error)
	IncrementUsage(ctx context.Context, userID, monthKey string, mb float64) error
}

// Service はノート生成パイプラインの本体です。
// ステージを順に実行し、進捗とステータスをジョブ行へ永続化します。
type Service struct {
	store     Store
	ai        openai.Client
	converter gotenberg.Converter
	log       *logger.Logger
	now       func() time.Time
}

// NewService はパイプラインサービスを作成します。
func NewService(st Store, ai openai.Client, converter gotenberg.Converter, log *logger.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if ai == nil {
		return nil, errors.New("ai client is nil")
	}
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	return &Service{
		store:     st,
		ai:        ai,
		converter: converter,
		log:       log.With("component", "notes.Service"),
		now:       time.Now,
	}, nil
}

// RunJob はジョブIDに対応するパイプラインを実行します。
// 各ステージ遷移は1回だけ試行され、失敗したジョブは failed で確定します
// （リトライは各ステージ内部の外部呼び出しに閉じています）。
func (s *Service) RunJob(ctx context.Context, jobID string) (*Result, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		// 実行前に削除されたジョブは静かに諦める
		return nil, newError(CodeJobNotFound, "ジョブが見つかりませんでした。", nil)
	}
	if job.Status.IsTerminal() {
		s.log.Warn("job already in terminal state; skipping", "job_id", jobID, "status", job.Status)
		return nil, newError(CodeJobNotFound, "ジョブはすでに終了しています。", nil)
	}

	log := s.log.With("job_id", jobID, "user_id", job.UserID)
	lang := NormalizeLanguage(job.SourceLanguage)

	result, runErr := s.runStages(ctx, job, lang, log)
	if runErr != nil {
		s.persistFailure(ctx, jobID, runErr, log)
		return nil, runErr
	}
	return result, nil
}

func (s *Service) runStages(ctx context.Context, job *store.Job, lang Language, log *logger.Logger) (*Result, error) {
	jobID := job.ID

	// ステージ1: 文字起こし
	s.setStatus(ctx, jobID, store.StatusTranscribing, progressTranscribing, log)

	audio, err := s.store.GetArtifact(ctx, job.AudioPath)
	if err != nil {
		return nil, newError(CodeTranscriptionFailed, "音声ファイルの読み込みに失敗しました。", err)
	}

	transcript, err := s.TranscribeAudio(ctx, job.AudioPath, audio, lang)
	if err != nil {
		return nil, err
	}

	transcriptPath, err := s.store.PutArtifact(ctx,
		store.ArtifactPath(job.UserID, jobID, string(lang), store.ArtifactTranscript),
		[]byte(transcript), "text/plain; charset=utf-8")
	if err != nil {
		return nil, newError(CodeTranscriptionFailed, "文字起こしの保存に失敗しました。", err)
	}
	if err := s.store.SetJobTranscript(ctx, jobID, transcriptPath); err != nil {
		log.Warn("failed to persist transcript ref", "error", err)
	}
	s.setProgress(ctx, jobID, progressTranscribed, log)

	// ステージ2: ノート生成
	s.setStatus(ctx, jobID, store.StatusGeneratingNotes, progressGenerating, log)

	supplementary := s.loadSupplementaryText(ctx, job, log)

	title := job.LectureTitle
	if title == "" {
		// タイトル未指定時は候補を提案し、失敗したらファイル名から導出する
		title = s.SuggestTitle(ctx, transcript, lang, titleFromFilename(job.AudioPath))
		if err := s.store.SetJobTitle(ctx, jobID, title); err != nil {
			log.Warn("failed to persist lecture title", "error", err)
		}
	}

	notesMarkdown, err := s.SynthesizeNotes(ctx, transcript, supplementary, title, lang)
	if err != nil {
		return nil, err
	}

	notesPath, err := s.store.PutArtifact(ctx,
		store.ArtifactPath(job.UserID, jobID, string(lang), store.ArtifactNotes),
		[]byte(notesMarkdown), "text/markdown; charset=utf-8")
	if err != nil {
		return nil, newError(CodeNoteGenerationFailed, "ノートの保存に失敗しました。", err)
	}
	if err := s.store.SetJobNotes(ctx, jobID, notesPath); err != nil {
		log.Warn("failed to persist notes ref", "error", err)
	}
	s.setProgress(ctx, jobID, progressNotesReady, log)

	// ステージ3: PDF生成
	s.setStatus(ctx, jobID, store.StatusRenderingPdf, progressRendering, log)

	pdf, _, pages, err := s.RenderPDF(ctx, notesMarkdown, title, false, lang)
	if err != nil {
		return nil, err
	}

	outputPath, err := s.store.PutArtifact(ctx,
		store.ArtifactPath(job.UserID, jobID, string(lang), store.ArtifactOutputPdf),
		pdf, "application/pdf")
	if err != nil {
		return nil, newError(CodePdfRenderFailed, "PDFの保存に失敗しました。", err)
	}

	// 完了: 成果物の参照・完了時刻・使用量を確定する
	completedAt := s.now().UTC()
	if err := s.store.MarkJobCompleted(ctx, jobID, outputPath, completedAt); err != nil {
		return nil, newError(CodeInternalError, "ジョブの完了処理に失敗しました。", err)
	}

	// 使用量は成功時にのみ加算する（失敗ジョブに課金しないため）。
	// 加算の失敗でジョブは巻き戻さず、ログに残すに留める。
	if err := s.store.IncrementUsage(ctx, job.UserID, store.MonthKey(completedAt), job.FileSizeMB); err != nil {
		log.Error("failed to increment usage after completion", "error", err)
	}

	log.Info("job completed",
		"pages", pages,
		"transcript_bytes", len(transcript),
		"notes_bytes", len(notesMarkdown),
	)

	return &Result{
		JobID:          jobID,
		LectureTitle:   title,
		TranscriptPath: transcriptPath,
		NotesPath:      notesPath,
		OutputPath:     outputPath,
		PageCount:      pages,
	}, nil
}

// loadSupplementaryText は補助PDFのテキストを取り出します。失敗しても処理は続行します。
func (s *Service) loadSupplementaryText(ctx context.Context, job *store.Job, log *logger.Logger) string {
	if job.PdfPath == nil || *job.PdfPath == "" {
		return ""
	}
	data, err := s.store.GetArtifact(ctx, *job.PdfPath)
	if err != nil {
		log.Warn("failed to load supplementary pdf; continuing without it", "error", err)
		return ""
	}
	text, err := pdftext.ExtractText(data)
	if err != nil {
		log.Warn("failed to extract supplementary pdf text; continuing without it", "error", err)
		return ""
	}
	return text
}

// setStatus はステータス遷移を永続化します。進捗は表示用で、失敗しても処理は止めません。
func (s *Service) setStatus(ctx context.Context, jobID string, status store.JobStatus, percent int, log *logger.Logger) {
	if err := s.store.UpdateJobStatus(ctx, jobID, status, percent); err != nil {
		log.Warn("failed to update job status", "status", status, "error", err)
	}
}

func (s *Service) setProgress(ctx context.Context, jobID string, percent int, log *logger.Logger) {
	if err := s.store.UpdateJobProgress(ctx, jobID, percent); err != nil {
		log.Warn("failed to update job progress", "percent", percent, "error", err)
	}
}

// persistFailure はジョブを failed に遷移させ、エラー種別を保存します。
func (s *Service) persistFailure(ctx context.Context, jobID string, runErr error, log *logger.Logger) {
	code := CodeInternalError
	message := "サーバー内部でエラーが発生しました。"

	var apiErr *Error
	if errors.As(runErr, &apiErr) {
		if apiErr.Code == CodeJobNotFound {
			// 消えたジョブに failed を書き戻す先は無い
			return
		}
		code = apiErr.Code
		message = apiErr.Message
	}

	log.Error("job failed", "code", code, "error", runErr)
	if err := s.store.MarkJobFailed(ctx, jobID, code, message); err != nil {
		log.Error("failed to persist job failure", "error", err)
	}
}
