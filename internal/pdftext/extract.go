// Package pdftext は補助PDFからの簡易テキスト抽出を提供します。
// レイアウトの復元は行わず、ノート生成の参考情報として使える平文を取り出すだけの
// ベストエフォート実装です。
package pdftext

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractConf は抽出用の設定を返します。補助資料のPDFは出所がまちまちなので、
// 緩い検証モードで読めるものはすべて読みます。
func extractConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// ExtractText はPDFバイト列から本文テキストを抽出します。
// 抽出できるテキストが無い場合は空文字列を返します（エラーにはしません）。
func ExtractText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("pdf payload is empty")
	}

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), extractConf())
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	var builder strings.Builder
	for page := 1; page <= ctx.PageCount; page++ {
		reader, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil || reader == nil {
			// 壊れたページは飛ばして残りを処理する
			continue
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			continue
		}
		text := scanShownText(content)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	return builder.String(), nil
}

// scanShownText はコンテンツストリームから Tj / TJ 演算子で描画される
// リテラル文字列を拾い集めます。
func scanShownText(content []byte) string {
	var parts []string
	i := 0
	for i < len(content) {
		if content[i] != '(' {
			i++
			continue
		}
		literal, next := readLiteral(content, i)
		i = next
		if literal == "" {
			continue
		}
		if isShowOperatorAhead(content, next) {
			parts = append(parts, literal)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// readLiteral は '(' から始まるリテラル文字列を読み、本文と次位置を返します。
func readLiteral(content []byte, start int) (string, int) {
	var sb strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		ch := content[i]
		switch ch {
		case '\\':
			if i+1 < len(content) {
				esc := content[i+1]
				switch esc {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte(' ')
				case '(', ')', '\\':
					sb.WriteByte(esc)
				}
				i += 2
				continue
			}
			i++
		case '(':
			depth++
			if depth > 1 {
				sb.WriteByte(ch)
			}
			i++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(ch)
			i++
		default:
			sb.WriteByte(ch)
			i++
		}
	}
	return sb.String(), i
}

// isShowOperatorAhead は直後のトークンがテキスト描画演算子か判定します。
// TJ の配列内文字列（"] TJ" で閉じる形）も対象にします。
func isShowOperatorAhead(content []byte, pos int) bool {
	i := pos
	for i < len(content) {
		ch := content[i]
		if ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' {
			i++
			continue
		}
		// TJ 配列の途中: 数値カーニングや後続文字列が来る
		if ch == ']' || ch == '(' || ch == '-' || (ch >= '0' && ch <= '9') {
			if ch == ']' {
				return hasToken(content, i+1, "TJ")
			}
			return true
		}
		return hasToken(content, i, "Tj") || hasToken(content, i, "'") || hasToken(content, i, "\"")
	}
	return false
}

func hasToken(content []byte, pos int, token string) bool {
	for pos < len(content) {
		ch := content[pos]
		if ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' {
			pos++
			continue
		}
		break
	}
	return bytes.HasPrefix(content[pos:], []byte(token))
}
