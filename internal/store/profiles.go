package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Profile は profiles テーブルの1行を表します。
// サブスクリプション階層と猶予期間の判定材料を保持します。
type Profile struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	PasswordHash          string     `json:"password_hash"`
	SubscriptionTier      string     `json:"subscription_tier"`
	PreviousTier          *string    `json:"previous_tier,omitempty"`
	SubscriptionPeriodEnd *time.Time `json:"subscription_period_end,omitempty"`
	GraceAllowanceMB      float64    `json:"grace_allowance_mb"`
}

// GetProfile はプロフィールをユーザーIDで取得します。存在しない場合は (nil, nil) を返します。
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}
	data, _, err := c.sb.From(tableProfiles).Select("*", "", false).Eq("id", userID).Limit(1, "").Execute()
	if err != nil {
		return nil, fmt.Errorf("select profile: %w", err)
	}
	return decodeSingleProfile(data)
}

// GetProfileByEmail はプロフィールをメールアドレスで取得します。存在しない場合は (nil, nil) を返します。
func (c *Client) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	data, _, err := c.sb.From(tableProfiles).Select("*", "", false).Eq("email", email).Limit(1, "").Execute()
	if err != nil {
		return nil, fmt.Errorf("select profile: %w", err)
	}
	return decodeSingleProfile(data)
}

// ClearExpiredGracePeriods は tier=free かつ期限切れの subscription_period_end を null に戻します。
// 冪等な操作で、繰り返し実行しても結果は変わりません。
func (c *Client) ClearExpiredGracePeriods(ctx context.Context, now time.Time) error {
	patch := map[string]any{
		"subscription_period_end": nil,
		"previous_tier":           nil,
	}
	_, _, err := c.sb.From(tableProfiles).Update(patch, "minimal", "").
		Eq("subscription_tier", "free").
		Lt("subscription_period_end", now.UTC().Format(time.RFC3339)).
		Execute()
	if err != nil {
		return fmt.Errorf("clear expired grace periods: %w", err)
	}
	return nil
}

func decodeSingleProfile(data []byte) (*Profile, error) {
	var rows []Profile
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode profile row: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
