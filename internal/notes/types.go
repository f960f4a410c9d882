package notes

import "strings"

// Language はノートの出力言語を表します。
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSpanish Language = "es"
)

// NormalizeLanguage は入力値を正規化します。未対応の値は英語にフォールバックします。
func NormalizeLanguage(raw string) Language {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LanguageSpanish):
		return LanguageSpanish
	default:
		return LanguageEnglish
	}
}

// Result はパイプライン完了時の成果を表します。
type Result struct {
	JobID          string `json:"jobId"`
	LectureTitle   string `json:"lectureTitle"`
	TranscriptPath string `json:"transcriptPath"`
	NotesPath      string `json:"notesPath"`
	OutputPath     string `json:"outputPath"`
	PageCount      int    `json:"pageCount"`
}

// 進捗率の目安。UIのポーリング表示用で、制御フローには使いません。
const (
	progressTranscribing = 10
	progressTranscribed  = 25
	progressGenerating   = 50
	progressNotesReady   = 75
	progressRendering    = 90
)
