package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/mindsy-notes/internal/config"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/notes"
	"github.com/yourusername/mindsy-notes/internal/store"
)

const (
	taskTypeNotes   = "notes:process"
	taskTypeCleanup = "usage:cleanup_grace"

	queueNotes = "notes"

	// 文字起こし＋要約＋PDF生成を含むジョブ全体の上限。
	notesTaskTimeout = 30 * time.Minute
)

// TaskPayload はノート生成ジョブのペイロードです。
type TaskPayload struct {
	JobID  string `json:"jobId"`
	UserID string `json:"userId"`
}

// Runner はジョブ本体の実行を担います。
type Runner interface {
	RunJob(ctx context.Context, jobID string) (*notes.Result, error)
}

// Cleanup は猶予期間の掃除処理を担います。
type Cleanup interface {
	CleanupExpiredGracePeriods(ctx context.Context) error
}

// JobSource は永続層からのジョブ取得を担います。
type JobSource interface {
	GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error)
}

// Manager はジョブの投入・実行・参照を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	cache     *RecordCache
	source    JobSource
	runner    Runner
	cleanup   Cleanup
	log       *logger.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, source JobSource, runner Runner, cleanup Cleanup, cache *RecordCache, log *logger.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if source == nil {
		return nil, errors.New("source is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if cleanup == nil {
		return nil, errors.New("cleanup is nil")
	}
	if cache == nil {
		return nil, errors.New("cache is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueNotes: 1,
			},
		},
	)
	scheduler := asynq.NewScheduler(opt, nil)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		cache:     cache,
		source:    source,
		runner:    runner,
		cleanup:   cleanup,
		log:       log,
	}
	mux.HandleFunc(taskTypeNotes, manager.handleNotesTask)
	mux.HandleFunc(taskTypeCleanup, manager.handleCleanupTask)

	if _, err := scheduler.Register("@every 1h",
		asynq.NewTask(taskTypeCleanup, nil, asynq.Queue(queueNotes))); err != nil {
		return nil, fmt.Errorf("failed to register cleanup schedule: %w", err)
	}
	return manager, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.log.Error("asynq server stopped with error", "error", err)
		}
	}()
	go func() {
		if err := m.scheduler.Run(); err != nil {
			m.log.Error("asynq scheduler stopped with error", "error", err)
		}
	}()
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Schedule はノート生成ジョブをキューに投入します。
// 各段階の再試行はジョブ内部で行うため、タスク自体は再試行しません。
func (m *Manager) Schedule(ctx context.Context, jobID, userID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID, UserID: userID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeNotes, body, asynq.Queue(queueNotes))
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(notesTaskTimeout),
	)
	return err
}

// GetJobForUser はジョブ行を返します。終端状態の行は Redis キャッシュから返し、
// 処理中の行は毎回永続層を読んで最新の進捗を返します。
func (m *Manager) GetJobForUser(ctx context.Context, jobID, userID string) (*store.Job, error) {
	cached, err := m.cache.Get(ctx, jobID)
	if err != nil {
		m.log.Warn("job cache read failed", "job_id", jobID, "error", err)
	}
	if cached != nil {
		if cached.UserID != userID {
			return nil, nil
		}
		return cached, nil
	}

	job, err := m.source.GetJobForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job != nil && job.Status.IsTerminal() {
		if err := m.cache.Put(ctx, job); err != nil {
			m.log.Warn("job cache write failed", "job_id", jobID, "error", err)
		}
	}
	return job, nil
}

func (m *Manager) handleNotesTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	result, err := m.runner.RunJob(ctx, payload.JobID)
	if cacheErr := m.cache.Invalidate(ctx, payload.JobID); cacheErr != nil {
		m.log.Warn("job cache invalidate failed", "job_id", payload.JobID, "error", cacheErr)
	}
	if err != nil {
		// 失敗はジョブ行に記録済み。ここではタスクを失敗として残すだけ。
		return err
	}
	m.log.Info("notes job completed",
		"job_id", result.JobID,
		"title", result.LectureTitle,
		"pages", result.PageCount,
	)
	return nil
}

func (m *Manager) handleCleanupTask(ctx context.Context, task *asynq.Task) error {
	return m.cleanup.CleanupExpiredGracePeriods(ctx)
}
