package notes

// エラー種別コード。ジョブの lastError とAPIレスポンスの code に使います。
const (
	CodeUsageLimitExceeded    = "USAGE_LIMIT_EXCEEDED"
	CodeTranscriptionFailed   = "TRANSCRIPTION_FAILED"
	CodeNoteGenerationFailed  = "NOTE_GENERATION_FAILED"
	CodeNotesStructureInvalid = "NOTES_STRUCTURE_INVALID"
	CodePdfRenderFailed       = "PDF_RENDER_FAILED"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeJobNotReady           = "JOB_NOT_READY"
	CodeArtifactMissing       = "ARTIFACT_MISSING"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeInternalError         = "INTERNAL_ERROR"
)

// Error はパイプラインが公開するエラーです。
// Code は安定した種別、Message は利用者向けの説明で、
// プロバイダー由来の詳細は cause に留めてログのみに出します。
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + " (" + e.cause.Error() + ")"
	}
	return e.Code + ": " + e.Message
}

// Unwrap は原因エラーを返します。
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}
