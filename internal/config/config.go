// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション/CORS設定
	SessionSecret      string // セッション署名用の秘密鍵
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// Supabase設定
	SupabaseURL        string // SupabaseプロジェクトURL
	SupabaseServiceKey string // service_role キー（サーバーサイド専用）
	StorageBucket      string // 成果物保存用のストレージバケット名

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL
	JobCacheMinutes   int    // Redis上のジョブレコードキャッシュの有効期限（分）
	WorkerConcurrency int    // ワーカーの同時実行数

	// OpenAI設定
	OpenAIAPIKey       string        // OpenAI APIキー
	OpenAIBaseURL      string        // APIベースURL（プロキシ利用時に差し替え）
	OpenAIModel        string        // ノート生成に使うモデル
	OpenAIWhisperModel string        // 文字起こしに使うモデル
	OpenAIMaxTokens    int           // ノート生成の出力上限トークン数
	TranscribeTimeout  time.Duration // 文字起こしのタイムアウト（最長）
	CompletionTimeout  time.Duration // LLM呼び出しのタイムアウト（中程度）

	// Gotenberg設定
	GotenbergURL  string        // HTML→PDF変換サービスのURL
	RenderTimeout time.Duration // PDF変換のタイムアウト（短め）

	// ファイル制限
	MaxAudioSizeMB int // 音声ファイルの最大サイズ（MB）
	MaxPdfSizeMB   int // 補助PDFの最大サイズ（MB）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// セッション/CORS設定
		SessionSecret:      getEnv("SESSION_SECRET", ""),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:4321"),

		// Supabase設定
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "cornell-notes"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobCacheMinutes:   getEnvAsInt("JOB_CACHE_MINUTES", 60),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// OpenAI設定
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIWhisperModel: getEnv("OPENAI_WHISPER_MODEL", "whisper-1"),
		OpenAIMaxTokens:    getEnvAsInt("OPENAI_MAX_TOKENS", 4096),
		TranscribeTimeout:  getEnvAsDuration("TRANSCRIBE_TIMEOUT", 10*time.Minute),
		CompletionTimeout:  getEnvAsDuration("COMPLETION_TIMEOUT", 3*time.Minute),

		// Gotenberg設定
		GotenbergURL:  getEnv("GOTENBERG_URL", "http://127.0.0.1:3000"),
		RenderTimeout: getEnvAsDuration("RENDER_TIMEOUT", 60*time.Second),

		// ファイル制限
		MaxAudioSizeMB: getEnvAsInt("MAX_AUDIO_SIZE_MB", 200),
		MaxPdfSizeMB:   getEnvAsInt("MAX_PDF_SIZE_MB", 50),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では一部の設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required in release mode")
		}
		if c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_KEY is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in release mode")
		}
		if c.GotenbergURL == "" {
			return fmt.Errorf("GOTENBERG_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "90s", "5m"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
