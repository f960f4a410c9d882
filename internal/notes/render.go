package notes

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/mindsy-notes/internal/gotenberg"
	"github.com/yourusername/mindsy-notes/internal/pdftext"
)

// notesStylesheet はノートPDFの印刷スタイルです。
const notesStylesheet = `
body { font-family: "Helvetica Neue", Arial, sans-serif; font-size: 11pt; line-height: 1.55; color: #1a1a1a; }
h1 { font-size: 20pt; border-bottom: 2px solid #2c3e50; padding-bottom: 6px; }
h2 { font-size: 15pt; color: #2c3e50; margin-top: 22px; page-break-after: avoid; }
h3 { font-size: 12pt; color: #34495e; page-break-after: avoid; }
nav.toc { background: #f5f7fa; border: 1px solid #d8dee6; border-radius: 4px; padding: 12px 18px; margin: 18px 0; }
nav.toc h2.toc-title { margin-top: 0; font-size: 13pt; }
nav.toc ul { list-style: none; padding-left: 16px; margin: 4px 0; }
nav.toc a { color: #2c3e50; text-decoration: none; }
blockquote { border-left: 3px solid #b0bec5; margin-left: 0; padding-left: 12px; color: #455a64; }
table { border-collapse: collapse; }
td, th { border: 1px solid #cfd8dc; padding: 4px 8px; }
`

// RenderPDF はノート（Markdown または HTML）を整形済みPDFに変換します（ステージ3）。
// しおりと目次の付与はベストエフォートで、失敗してもレンダリング自体は続行します。
func (s *Service) RenderPDF(ctx context.Context, source, title string, sourceIsHTML bool, lang Language) ([]byte, []*Bookmark, int, error) {
	fragment := source
	if !sourceIsHTML {
		converted, err := MarkdownToHTML(source)
		if err != nil {
			return nil, nil, 0, newError(CodePdfRenderFailed, "ノートのHTML変換に失敗しました。", err)
		}
		fragment = converted
	}

	decorated, bookmarks, err := DecorateHTML(fragment, lang)
	if err != nil {
		// しおりは必須ではないので、装飾に失敗しても元のHTMLで描画する
		s.log.Warn("bookmark decoration failed; rendering without outline", "error", err)
		decorated = fragment
		bookmarks = nil
	}

	page := documentShell(title, decorated)

	pdf, err := s.converter.ConvertHTML(ctx, page, gotenberg.DefaultPrintOptions())
	if err != nil {
		return nil, nil, 0, newError(CodePdfRenderFailed, "PDFの生成に失敗しました。時間をおいて再度お試しください。", err)
	}

	// Chromium出力はそのままでも配れるが、最適化で検証を兼ねる。
	// 失敗した場合は未最適化のPDFで続行する。
	if normalized, err := pdftext.Normalize(pdf); err != nil {
		s.log.Warn("pdf normalize failed; using raw output", "error", err)
	} else {
		pdf = normalized
	}

	pages, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return nil, nil, 0, newError(CodePdfRenderFailed, "生成されたPDFが不正です。", err)
	}

	return pdf, bookmarks, pages, nil
}

func documentShell(title, body string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\">")
	sb.WriteString(fmt.Sprintf("<title>%s</title>", html.EscapeString(title)))
	sb.WriteString("<style>")
	sb.WriteString(notesStylesheet)
	sb.WriteString("</style></head><body>")
	sb.WriteString(body)
	sb.WriteString("</body></html>")
	return sb.String()
}
