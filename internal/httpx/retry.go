// Package httpx は外部API呼び出しで共通利用するリトライポリシーを提供します。
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy はリトライ回数とバックオフを定義します。
// MaxAttempts は初回実行を含む総試行回数です。
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// StatusError はHTTPステータス由来のエラーを表します。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// IsRetryableStatus は一時的な失敗とみなすステータスコードか判定します。
func IsRetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// IsRetryableError はリトライ対象のエラーか判定します。
// タイムアウトはトランスポート障害と同じ扱いにします。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableStatus(statusErr.StatusCode)
	}
	// url.Error 等で包まれた接続エラーも拾う
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// Do は fn を Policy に従って実行します。リトライ対象外のエラーは即座に返します。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.BaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !IsRetryableError(lastErr) {
			return lastErr
		}

		sleepFor := jitter(backoff)
		if p.MaxBackoff > 0 && sleepFor > p.MaxBackoff {
			sleepFor = p.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
	return lastErr
}

// jitter はバックオフに最大25%の揺らぎを加えます。
func jitter(base time.Duration) time.Duration {
	quarter := int64(base) / 4
	if quarter <= 0 {
		return base
	}
	delta := time.Duration(rand.Int63n(quarter))
	return base + delta
}
