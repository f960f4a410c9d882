package pdftext

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Normalize は生成されたPDFを検証しつつ最適化して書き直します。
// Chromium 由来のPDFは重複フォントリソースを含みがちで、配布前に一度
// 通しておくとサイズが安定します。
func Normalize(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pdf payload is empty")
	}
	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &buf, nil); err != nil {
		return nil, fmt.Errorf("optimize pdf: %w", err)
	}
	return buf.Bytes(), nil
}
