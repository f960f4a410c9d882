package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus はジョブの実行状態を表します。
// 前進のみ許可され、failed 以外の巻き戻りはありません。
type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusTranscribing    JobStatus = "transcribing"
	StatusGeneratingNotes JobStatus = "generating_notes"
	StatusRenderingPdf    JobStatus = "rendering_pdf"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
)

// IsTerminal は終端状態（completed / failed）か判定します。
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job は jobs テーブルの1行を表します。
type Job struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	LectureTitle    string     `json:"lecture_title"`
	SourceLanguage  string     `json:"source_language"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	AudioPath       string     `json:"audio_path"`
	PdfPath         *string    `json:"pdf_path,omitempty"`
	TranscriptPath  *string    `json:"transcript_path,omitempty"`
	NotesPath       *string    `json:"notes_path,omitempty"`
	OutputPath      *string    `json:"output_path,omitempty"`
	FileSizeMB      float64    `json:"file_size_mb"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CreateJob はジョブ行を status=queued で作成します。
func (c *Client) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, _, err := c.sb.From(tableJobs).Insert(job, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob はジョブをIDで取得します。存在しない場合は (nil, nil) を返します。
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, _, err := c.sb.From(tableJobs).Select("*", "", false).Eq("id", jobID).Limit(1, "").Execute()
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return decodeSingleJob(data)
}

// GetJobForUser は所有者を確認しつつジョブを取得します。
// 他ユーザーのジョブは存在しないものとして扱います。
func (c *Client) GetJobForUser(ctx context.Context, jobID, userID string) (*Job, error) {
	if jobID == "" || userID == "" {
		return nil, fmt.Errorf("jobID and userID are required")
	}
	data, _, err := c.sb.From(tableJobs).Select("*", "", false).
		Eq("id", jobID).
		Eq("user_id", userID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return decodeSingleJob(data)
}

// UpdateJobStatus はステータスと進捗率を更新します。
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, percent int) error {
	patch := map[string]any{
		"status":           status,
		"progress_percent": percent,
	}
	return c.patchJob(jobID, patch)
}

// UpdateJobProgress は進捗率のみを更新します（ポーリング表示用）。
func (c *Client) UpdateJobProgress(ctx context.Context, jobID string, percent int) error {
	return c.patchJob(jobID, map[string]any{"progress_percent": percent})
}

// SetJobTranscript は文字起こし成果物のパスを保存します。
func (c *Client) SetJobTranscript(ctx context.Context, jobID, path string) error {
	return c.patchJob(jobID, map[string]any{"transcript_path": path})
}

// SetJobNotes はノートMarkdown成果物のパスを保存します。
func (c *Client) SetJobNotes(ctx context.Context, jobID, path string) error {
	return c.patchJob(jobID, map[string]any{"notes_path": path})
}

// SetJobTitle は確定した講義タイトルを保存します。
func (c *Client) SetJobTitle(ctx context.Context, jobID, title string) error {
	return c.patchJob(jobID, map[string]any{"lecture_title": title})
}

// MarkJobCompleted はジョブを完了状態にし、成果物の参照と完了時刻を保存します。
func (c *Client) MarkJobCompleted(ctx context.Context, jobID, outputPath string, completedAt time.Time) error {
	patch := map[string]any{
		"status":           StatusCompleted,
		"progress_percent": 100,
		"output_path":      outputPath,
		"completed_at":     completedAt.UTC().Format(time.RFC3339),
		"error_code":       nil,
		"error_message":    nil,
	}
	return c.patchJob(jobID, patch)
}

// MarkJobFailed はジョブを失敗状態にし、エラー種別とメッセージを保存します。
func (c *Client) MarkJobFailed(ctx context.Context, jobID, code, message string) error {
	patch := map[string]any{
		"status":        StatusFailed,
		"error_code":    code,
		"error_message": message,
	}
	return c.patchJob(jobID, patch)
}

func (c *Client) patchJob(jobID string, patch map[string]any) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	_, _, err := c.sb.From(tableJobs).Update(patch, "minimal", "").Eq("id", jobID).Execute()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func decodeSingleJob(data []byte) (*Job, error) {
	var rows []Job
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode job row: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
