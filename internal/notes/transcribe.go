package notes

import (
	"context"
	"path"
	"strings"
)

// TranscribeAudio は音声を平文の文字起こしに変換します（ステージ1）。
// 呼び出し自体のタイムアウトとリトライはAIクライアント側に実装されており、
// ここまで失敗が届いた時点で TRANSCRIPTION_FAILED として確定します。
func (s *Service) TranscribeAudio(ctx context.Context, storedPath string, audio []byte, lang Language) (string, error) {
	filename := path.Base(storedPath)

	text, err := s.ai.Transcribe(ctx, filename, audio, string(lang))
	if err != nil {
		return "", newError(CodeTranscriptionFailed, "音声の文字起こしに失敗しました。別のファイルでお試しください。", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", newError(CodeTranscriptionFailed, "文字起こし結果が空でした。音声の内容を確認してください。", nil)
	}
	return text, nil
}
