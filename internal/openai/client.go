// Package openai は OpenAI API（文字起こしとノート生成）への薄いクライアントです。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/mindsy-notes/internal/httpx"
	"github.com/yourusername/mindsy-notes/internal/logger"
)

// Client は外部AI呼び出しのインターフェースです。テストではスタブに差し替えます。
type Client interface {
	// Transcribe は音声データを平文の文字起こしに変換します。
	// 部分的な結果は返さず、全文か失敗のどちらかになります。
	Transcribe(ctx context.Context, filename string, audio []byte, language string) (string, error)

	// Complete は system/user プロンプトからテキスト補完を取得します。
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config はクライアントの動作設定です。
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	WhisperModel      string
	MaxTokens         int
	TranscribeTimeout time.Duration
	CompletionTimeout time.Duration
}

type client struct {
	cfg        Config
	log        *logger.Logger
	httpClient *http.Client

	transcribePolicy httpx.Policy
	completePolicy   httpx.Policy
}

// NewClient は OpenAI クライアントを作成します。
func NewClient(cfg Config, log *logger.Logger) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = "whisper-1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 10 * time.Minute
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 3 * time.Minute
	}

	return &client{
		cfg: cfg,
		log: log.With("client", "openai"),
		httpClient: &http.Client{
			// タイムアウトはリクエストごとの context で制御する
			Timeout: 0,
		},
		// 文字起こしは一時的な失敗に対して最大2回までリトライ
		transcribePolicy: httpx.Policy{MaxAttempts: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second},
		// LLM呼び出しはリトライ1回
		completePolicy: httpx.Policy{MaxAttempts: 2, BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second},
	}, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (c *client) Transcribe(ctx context.Context, filename string, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("audio payload is empty")
	}

	var text string
	err := c.transcribePolicy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.TranscribeTimeout)
		defer cancel()

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return err
		}
		if _, err := part.Write(audio); err != nil {
			return err
		}
		if err := writer.WriteField("model", c.cfg.WhisperModel); err != nil {
			return err
		}
		if language != "" {
			if err := writer.WriteField("language", language); err != nil {
				return err
			}
		}
		if err := writer.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		var resp transcriptionResponse
		if err := c.doJSON(req, &resp); err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("transcription returned empty text")
	}
	return text, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *client) Complete(ctx context.Context, system, user string) (string, error) {
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: c.cfg.MaxTokens,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var text string
	err = c.completePolicy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CompletionTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		var resp chatResponse
		if err := c.doJSON(req, &resp); err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// doJSON はリクエストを実行し、2xx以外は httpx.StatusError として返します。
func (c *client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("openai request failed",
			"status", resp.StatusCode,
			"path", req.URL.Path,
		)
		return &httpx.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
