package notes

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/mindsy-notes/internal/auth"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/store"
	"github.com/yourusername/mindsy-notes/internal/usage"
)

// UsageGate は投入前の利用量チェックを提供します。
type UsageGate interface {
	CheckUsageLimits(ctx context.Context, userID string, fileSizeMB float64) (*usage.Decision, error)
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, jobID, userID string) error
}

// JobReader はポーリング用のジョブ取得を提供します（キャッシュ越しの実装を想定）。
type JobReader interface {
	GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error)
}

// SubmitOptions は投入ハンドラーの依存をまとめます。
type SubmitOptions struct {
	Gate           UsageGate
	Scheduler      JobScheduler
	MaxAudioSizeMB int
	MaxPdfSizeMB   int
}

// SubmitHandler は POST /api/notes/jobs のハンドラーを返します。
// 音声（必須）と補助PDF（任意）を受け取り、利用量ゲートを通過したら
// ジョブを作成してキューに投入します。
func SubmitHandler(st Store, opts SubmitOptions, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.ContextUserKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です。",
			})
			return
		}

		audioHeader, err := c.FormFile("audio")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "音声ファイルを audio フィールドで送信してください。",
			})
			return
		}

		if opts.MaxAudioSizeMB > 0 && audioHeader.Size > int64(opts.MaxAudioSizeMB)<<20 {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    CodeInvalidInput,
				"message": fmt.Sprintf("音声ファイルは %dMB 以下にしてください。", opts.MaxAudioSizeMB),
			})
			return
		}

		audio, err := readMultipartFile(audioHeader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "音声ファイルの読み込みに失敗しました。",
			})
			return
		}

		audioType := mimetype.Detect(audio)
		if !isAudioMime(audioType.String()) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": fmt.Sprintf("音声ファイルとして扱えない形式です (%s)。", audioType.String()),
			})
			return
		}

		var supplementary []byte
		if pdfHeader, err := c.FormFile("pdf"); err == nil && pdfHeader != nil {
			if opts.MaxPdfSizeMB > 0 && pdfHeader.Size > int64(opts.MaxPdfSizeMB)<<20 {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"code":    CodeInvalidInput,
					"message": fmt.Sprintf("補助PDFは %dMB 以下にしてください。", opts.MaxPdfSizeMB),
				})
				return
			}
			supplementary, err = readMultipartFile(pdfHeader)
			if err != nil || !mimetype.Detect(supplementary).Is("application/pdf") {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    CodeInvalidInput,
					"message": "補助資料はPDFファイルで送信してください。",
				})
				return
			}
		}

		fileSizeMB := float64(len(audio)+len(supplementary)) / (1 << 20)

		decision, err := opts.Gate.CheckUsageLimits(c.Request.Context(), userID, fileSizeMB)
		if err != nil {
			log.Error("usage check failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "利用量の確認に失敗しました。",
			})
			return
		}
		if !decision.CanProcess {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":             CodeUsageLimitExceeded,
				"message":          decision.Message,
				"effectiveTier":    decision.EffectiveTier,
				"monthlyLimitMb":   decision.MonthlyLimitMB,
				"currentUsageMb":   decision.CurrentUsageMB,
				"graceRemainingMb": decision.GraceRemainingMB,
			})
			return
		}

		jobID := uuid.NewString()
		lang := NormalizeLanguage(c.PostForm("language"))

		audioPath, err := st.PutArtifact(c.Request.Context(),
			store.ArtifactPath(userID, jobID, string(lang), store.ArtifactAudio),
			audio, audioType.String())
		if err != nil {
			log.Error("failed to store audio", "job_id", jobID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "音声ファイルの保存に失敗しました。",
			})
			return
		}

		job := &store.Job{
			ID:             jobID,
			UserID:         userID,
			LectureTitle:   strings.TrimSpace(c.PostForm("title")),
			SourceLanguage: string(lang),
			Status:         store.StatusQueued,
			AudioPath:      audioPath,
			FileSizeMB:     fileSizeMB,
		}

		if len(supplementary) > 0 {
			pdfPath, err := st.PutArtifact(c.Request.Context(),
				store.ArtifactPath(userID, jobID, string(lang), store.ArtifactSourcePdf),
				supplementary, "application/pdf")
			if err != nil {
				log.Error("failed to store supplementary pdf", "job_id", jobID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    CodeInternalError,
					"message": "補助PDFの保存に失敗しました。",
				})
				return
			}
			job.PdfPath = &pdfPath
		}

		if err := st.CreateJob(c.Request.Context(), job); err != nil {
			log.Error("failed to create job", "job_id", jobID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "ジョブの作成に失敗しました。",
			})
			return
		}

		if err := opts.Scheduler.Schedule(c.Request.Context(), jobID, userID); err != nil {
			log.Error("failed to enqueue job", "job_id", jobID, "error", err)
			if markErr := st.MarkJobFailed(c.Request.Context(), jobID, CodeInternalError, "ジョブの投入に失敗しました。"); markErr != nil {
				log.Error("failed to mark job failed after enqueue error", "job_id", jobID, "error", markErr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
	}
}

// StatusHandler は GET /api/notes/jobs/:id のハンドラーを返します。
// 他ユーザーのジョブや存在しないジョブは 404 を返します。
func StatusHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.ContextUserKey)
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := reader.GetJobForUser(c.Request.Context(), jobID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    CodeJobNotFound,
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":        job.ID,
			"lectureTitle": job.LectureTitle,
			"language":     job.SourceLanguage,
			"status":       job.Status,
			"progress": gin.H{
				"percent": job.ProgressPercent,
				"stage":   stageLabel(job.Status),
			},
			"createdAt": job.CreatedAt,
		}
		if job.CompletedAt != nil {
			payload["completedAt"] = job.CompletedAt
		}
		if job.Status == store.StatusCompleted {
			payload["downloadUrl"] = fmt.Sprintf("/api/notes/jobs/%s/download", job.ID)
		}
		if job.ErrorCode != nil {
			errPayload := gin.H{"code": *job.ErrorCode}
			if job.ErrorMessage != nil {
				errPayload["message"] = *job.ErrorMessage
			}
			payload["error"] = errPayload
		}

		c.JSON(http.StatusOK, payload)
	}
}

// DownloadHandler は GET /api/notes/jobs/:id/download のハンドラーを返します。
// 完了済みジョブのPDFのみ取得できます。
func DownloadHandler(st Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.ContextUserKey)
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := st.GetJobForUser(c.Request.Context(), jobID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    CodeJobNotFound,
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if job.Status != store.StatusCompleted {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeJobNotReady,
				"message": "ジョブはまだ完了していません。",
			})
			return
		}
		if job.OutputPath == nil || *job.OutputPath == "" {
			log.Error("completed job has no output ref", "job_id", jobID)
			c.JSON(http.StatusNotFound, gin.H{
				"code":    CodeArtifactMissing,
				"message": "成果物が見つかりませんでした。",
			})
			return
		}

		pdf, err := st.GetArtifact(c.Request.Context(), *job.OutputPath)
		if err != nil {
			// 完了済みジョブの成果物が無いのは整合性異常。リトライはしない。
			log.Error("artifact missing for completed job", "job_id", jobID, "path", *job.OutputPath, "error", err)
			c.JSON(http.StatusNotFound, gin.H{
				"code":    CodeArtifactMissing,
				"message": "成果物が見つかりませんでした。",
			})
			return
		}

		filename := downloadFilename(job)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", job.ID)
		c.Data(http.StatusOK, "application/pdf", pdf)
	}
}

// UsageHandler は GET /api/usage のハンドラーを返します。現在の利用状況を返します。
func UsageHandler(gate UsageGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.ContextUserKey)
		decision, err := gate.CheckUsageLimits(c.Request.Context(), userID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternalError,
				"message": "利用量の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"effectiveTier":    decision.EffectiveTier,
			"monthlyLimitMb":   decision.MonthlyLimitMB,
			"currentUsageMb":   decision.CurrentUsageMB,
			"graceRemainingMb": decision.GraceRemainingMB,
			"graceUntil":       decision.GraceUntil,
		})
	}
}

func stageLabel(status store.JobStatus) string {
	switch status {
	case store.StatusQueued:
		return "queued"
	case store.StatusTranscribing:
		return "transcribing"
	case store.StatusGeneratingNotes:
		return "generating_notes"
	case store.StatusRenderingPdf:
		return "rendering_pdf"
	case store.StatusCompleted:
		return "completed"
	case store.StatusFailed:
		return "failed"
	default:
		return string(status)
	}
}

func downloadFilename(job *store.Job) string {
	title := strings.TrimSpace(job.LectureTitle)
	if title == "" {
		title = job.ID
	}
	return title + ".pdf"
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func isAudioMime(mime string) bool {
	if strings.HasPrefix(mime, "audio/") {
		return true
	}
	// m4a/録画由来の講義音声はコンテナ判定で video/* になることがある
	switch mime {
	case "video/mp4", "video/webm", "application/ogg":
		return true
	}
	return false
}
