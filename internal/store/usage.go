package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UsageRecord は usage_records テーブルの1行（ユーザー×月の集計）を表します。
type UsageRecord struct {
	UserID         string  `json:"user_id"`
	MonthKey       string  `json:"month_key"`
	TotalMBUsed    float64 `json:"total_mb_used"`
	FilesProcessed int     `json:"files_processed"`
}

// MonthKey は "2025-01" 形式の月キーを返します。
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// GetUsage は当月の使用量を取得します。レコードが無い場合は (nil, nil) を返します。
func (c *Client) GetUsage(ctx context.Context, userID, monthKey string) (*UsageRecord, error) {
	if userID == "" || monthKey == "" {
		return nil, fmt.Errorf("userID and monthKey are required")
	}
	data, _, err := c.sb.From(tableUsage).Select("*", "", false).
		Eq("user_id", userID).
		Eq("month_key", monthKey).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("select usage: %w", err)
	}
	var rows []UsageRecord
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode usage row: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// IncrementUsage は使用量をアトミックに加算します（upsert 付き）。
// 同一ユーザーのジョブが同時に完了しても取りこぼしが起きないよう、
// read-modify-write ではなく DB 側の RPC（increment_usage 関数）で加算します。
func (c *Client) IncrementUsage(ctx context.Context, userID, monthKey string, mb float64) error {
	if userID == "" || monthKey == "" {
		return fmt.Errorf("userID and monthKey are required")
	}
	c.rest.ClientError = nil
	c.rest.Rpc("increment_usage", "", map[string]any{
		"p_user_id":   userID,
		"p_month_key": monthKey,
		"p_mb":        mb,
	})
	if c.rest.ClientError != nil {
		return fmt.Errorf("increment usage: %w", c.rest.ClientError)
	}
	return nil
}
