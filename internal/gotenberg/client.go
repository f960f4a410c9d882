// Package gotenberg は HTML→PDF 変換サービス（Gotenberg）へのクライアントです。
package gotenberg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/mindsy-notes/internal/httpx"
	"github.com/yourusername/mindsy-notes/internal/logger"
)

// Converter は HTML から PDF バイト列への変換を提供します。
type Converter interface {
	ConvertHTML(ctx context.Context, html string, opts PrintOptions) ([]byte, error)
}

// PrintOptions は印刷品質の設定です。値はインチ単位の文字列で渡します。
type PrintOptions struct {
	MarginTop    string
	MarginBottom string
	MarginLeft   string
	MarginRight  string
	PdfA         string // 例: "PDF/A-2b"。空なら指定なし。
}

// DefaultPrintOptions はノートPDF向けの標準設定を返します。
func DefaultPrintOptions() PrintOptions {
	return PrintOptions{
		MarginTop:    "0.75",
		MarginBottom: "0.75",
		MarginLeft:   "0.6",
		MarginRight:  "0.6",
		PdfA:         "PDF/A-2b",
	}
}

type client struct {
	baseURL    string
	log        *logger.Logger
	httpClient *http.Client
	policy     httpx.Policy
}

// NewClient は Gotenberg クライアントを作成します。
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) (Converter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gotenberg URL is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &client{
		baseURL:    baseURL,
		log:        log.With("client", "gotenberg"),
		httpClient: &http.Client{Timeout: timeout},
		// レンダラーのHTTPエラーはリトライ1回まで
		policy: httpx.Policy{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second},
	}, nil
}

func (c *client) ConvertHTML(ctx context.Context, html string, opts PrintOptions) ([]byte, error) {
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("html payload is empty")
	}

	var pdf []byte
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)

		// Gotenberg の chromium ルートは index.html 固定名を要求する
		part, err := writer.CreateFormFile("files", "index.html")
		if err != nil {
			return err
		}
		if _, err := io.WriteString(part, html); err != nil {
			return err
		}

		fields := map[string]string{
			"marginTop":    opts.MarginTop,
			"marginBottom": opts.MarginBottom,
			"marginLeft":   opts.MarginLeft,
			"marginRight":  opts.MarginRight,
			"pdfa":         opts.PdfA,
		}
		for key, value := range fields {
			if value == "" {
				continue
			}
			if err := writer.WriteField(key, value); err != nil {
				return err
			}
		}
		if err := writer.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forms/chromium/convert/html", body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			c.log.Warn("gotenberg conversion failed", "status", resp.StatusCode)
			return &httpx.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
		}
		pdf = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pdf, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
