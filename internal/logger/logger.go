// Package logger は zap をアプリケーション向けに薄くラップします。
package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Logger は構造化ログの出力を担います。
type Logger struct {
	sugar *zap.SugaredLogger
}

// New はロガーを作成します。mode が release のときは本番用の設定になります。
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "release", "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zapLogger.Sugar()}, nil
}

// Sync はバッファ済みのログを書き出します。終了時に呼び出してください。
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// With は固定フィールドを付与した子ロガーを返します。
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

// Nop はテスト用に何も出力しないロガーを返します。
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}
