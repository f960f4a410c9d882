package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/mindsy-notes/internal/store"
)

const (
	jobKeyPrefix = "notes:job:"
)

// RecordCache はポーリング用にジョブ行を Redis にキャッシュします。
// 真のデータは Supabase 側なので、キャッシュは常に失っても問題ない前提です。
type RecordCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRecordCache は RecordCache を作成します。
func NewRecordCache(rdb *redis.Client, ttl time.Duration) *RecordCache {
	return &RecordCache{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はキャッシュされたジョブ行を返します。未キャッシュなら nil を返します。
func (c *RecordCache) Get(ctx context.Context, jobID string) (*store.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := c.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job store.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Put はジョブ行をキャッシュします。
func (c *RecordCache) Put(ctx context.Context, job *store.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, jobKey(job.ID), payload, c.ttl).Err()
}

// Invalidate はキャッシュを破棄します。状態遷移の直後に呼びます。
func (c *RecordCache) Invalidate(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, jobKey(jobID)).Err()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
