// Package usage はサブスクリプション階層に基づく利用量ゲートを提供します。
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/store"
)

// Tier はサブスクリプション階層を表します。
type Tier string

const (
	TierFree    Tier = "free"
	TierStudent Tier = "student"
	TierPro     Tier = "pro"
)

// monthlyLimitMB は階層ごとの月間アップロード上限（MB）です。
var monthlyLimitMB = map[Tier]float64{
	TierFree:    10,
	TierStudent: 700,
	TierPro:     2000,
}

// LimitFor は階層の月間上限を返します。未知の階層は free として扱います。
func LimitFor(tier Tier) float64 {
	if limit, ok := monthlyLimitMB[tier]; ok {
		return limit
	}
	return monthlyLimitMB[TierFree]
}

// ProfileStore はゲートが必要とするプロフィール操作です。
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	ClearExpiredGracePeriods(ctx context.Context, now time.Time) error
}

// UsageStore はゲートが必要とする使用量の読み取りです。
type UsageStore interface {
	GetUsage(ctx context.Context, userID, monthKey string) (*store.UsageRecord, error)
}

// Decision は利用可否の判定結果です。
type Decision struct {
	CanProcess       bool       `json:"canProcess"`
	EffectiveTier    Tier       `json:"effectiveTier"`
	MonthlyLimitMB   float64    `json:"monthlyLimitMb"`
	CurrentUsageMB   float64    `json:"currentUsageMb"`
	GraceRemainingMB float64    `json:"graceRemainingMb"`
	GraceUntil       *time.Time `json:"graceUntil,omitempty"`
	Message          string     `json:"message"`
}

// Gate は利用量の判定と猶予期間のクリーンアップを担います。
type Gate struct {
	profiles ProfileStore
	usage    UsageStore
	log      *logger.Logger
	now      func() time.Time
}

// NewGate はゲートを作成します。
func NewGate(profiles ProfileStore, usage UsageStore, log *logger.Logger) *Gate {
	return &Gate{
		profiles: profiles,
		usage:    usage,
		log:      log.With("component", "usage.Gate"),
		now:      time.Now,
	}
}

// CheckUsageLimits はアップロードを許可できるか判定します。
// 判定は読み取りのみで、使用量の加算はジョブ完了時に行います
// （失敗したジョブに課金しないため）。
func (g *Gate) CheckUsageLimits(ctx context.Context, userID string, fileSizeMB float64) (*Decision, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	now := g.now()

	profile, err := g.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	// 未知のユーザーは free 階層・使用量ゼロとして扱う
	effective, graceUntil := EffectiveTier(profile, now)
	limit := LimitFor(effective)

	var current float64
	record, err := g.usage.GetUsage(ctx, userID, store.MonthKey(now))
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if record != nil {
		current = record.TotalMBUsed
	}

	var allowance float64
	if profile != nil {
		allowance = profile.GraceAllowanceMB
	}
	graceRemaining := graceRemainingMB(allowance, current, limit)

	decision := &Decision{
		EffectiveTier:    effective,
		MonthlyLimitMB:   limit,
		CurrentUsageMB:   current,
		GraceRemainingMB: graceRemaining,
		GraceUntil:       graceUntil,
	}

	if current+fileSizeMB <= limit+graceRemaining {
		decision.CanProcess = true
		decision.Message = "アップロードを受け付けられます。"
		return decision, nil
	}

	decision.CanProcess = false
	decision.Message = fmt.Sprintf(
		"今月の利用上限（%.0fMB）を超えるため処理できません。現在の使用量は %.1fMB です。",
		limit+graceRemaining, current,
	)
	return decision, nil
}

// EffectiveTier は現在時刻における実効階層を返します。
// ダウングレード後も subscription_period_end までは元の有料階層の恩恵を維持します。
func EffectiveTier(profile *store.Profile, now time.Time) (Tier, *time.Time) {
	if profile == nil {
		return TierFree, nil
	}

	stored := Tier(profile.SubscriptionTier)
	if stored != TierFree {
		if _, ok := monthlyLimitMB[stored]; ok {
			return stored, nil
		}
		return TierFree, nil
	}

	end := profile.SubscriptionPeriodEnd
	if end == nil || !end.After(now) {
		return TierFree, nil
	}

	// 猶予期間中: ダウングレード前の階層を適用する
	prior := TierStudent
	if profile.PreviousTier != nil {
		if _, ok := monthlyLimitMB[Tier(*profile.PreviousTier)]; ok {
			prior = Tier(*profile.PreviousTier)
		}
	}
	return prior, end
}

// graceRemainingMB は猶予プールの残量を返します。
// 月間上限を超えて消費した分だけプールから差し引かれます。
func graceRemainingMB(allowance, current, limit float64) float64 {
	if allowance <= 0 {
		return 0
	}
	overflow := current - limit
	if overflow < 0 {
		overflow = 0
	}
	remaining := allowance - overflow
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CleanupExpiredGracePeriods は期限切れの猶予期間をクリアします。
// 冪等で、並行実行しても安全です。
func (g *Gate) CleanupExpiredGracePeriods(ctx context.Context) error {
	now := g.now()
	if err := g.profiles.ClearExpiredGracePeriods(ctx, now); err != nil {
		return err
	}
	g.log.Info("expired grace periods cleared", "as_of", now.UTC().Format(time.RFC3339))
	return nil
}
