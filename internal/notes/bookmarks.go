package notes

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Bookmark はPDFのアウトライン1項目を表します。
// Level は h2→1, h3→2 のように見出しレベルから導出します。
type Bookmark struct {
	Label    string      `json:"label"`
	Level    int         `json:"level"`
	AnchorID string      `json:"anchorId"`
	Children []*Bookmark `json:"children,omitempty"`
}

// tocTitle は目次ブロックの見出し文言です。
func tocTitle(lang Language) string {
	if lang == LanguageSpanish {
		return "Tabla de Contenidos"
	}
	return "Table of Contents"
}

// DecorateHTML は見出しへのアンカー付与・しおりメタデータ・目次の挿入を行います。
// 対象となる見出しがひとつも無い場合でも失敗にはせず、入力をそのまま返します。
func DecorateHTML(fragment string, lang Language) (string, []*Bookmark, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", nil, fmt.Errorf("parse html: %w", err)
	}

	removeExistingTOC(doc)

	headings := doc.Find("h2, h3, h4")
	if headings.Length() == 0 {
		// しおりはベストエフォート。見出しが無い文書もそのまま描画できる。
		return fragment, nil, nil
	}

	anchored := addBookmarkAnchors(headings)
	tree := buildBookmarkTree(anchored)
	addBookmarkMetadata(anchored)
	insertTOC(doc, tree, lang)

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", nil, fmt.Errorf("serialize html: %w", err)
	}
	return out, tree, nil
}

type anchoredHeading struct {
	sel   *goquery.Selection
	label string
	level int // 1-based（h2→1）
	id    string
}

// removeExistingTOC は既存の目次ブロック（目次見出しと直後のリスト）を取り除きます。
// 目次は常にこちらで再生成するため、LLMが出力した目次は破棄します。
func removeExistingTOC(doc *goquery.Document) {
	doc.Find("h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if !strings.EqualFold(text, "Table of Contents") && !strings.EqualFold(text, "Tabla de Contenidos") {
			return true
		}
		next := s.Next()
		if goquery.NodeName(next) == "ul" || goquery.NodeName(next) == "ol" {
			next.Remove()
		}
		s.Remove()
		return false
	})
}

// addBookmarkAnchors は目次に参加する各見出しへ一意な id を割り当てます。
// スラッグが衝突した場合は -2, -3, ... を後置して区別します。
func addBookmarkAnchors(headings *goquery.Selection) []*anchoredHeading {
	seen := make(map[string]bool)
	anchored := make([]*anchoredHeading, 0, headings.Length())

	headings.Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		if label == "" {
			return
		}

		base := slugify(label)
		slug := base
		for n := 2; seen[slug]; n++ {
			slug = base + "-" + strconv.Itoa(n)
		}
		seen[slug] = true
		s.SetAttr("id", slug)

		anchored = append(anchored, &anchoredHeading{
			sel:   s,
			label: label,
			level: headingLevel(goquery.NodeName(s)),
			id:    slug,
		})
	})

	return anchored
}

// buildBookmarkTree は見出し列からしおりの木を組み立てます。
// レベルの飛び越し（h2直後のh4など）は親の直下に丸め、孤児を作りません。
func buildBookmarkTree(headings []*anchoredHeading) []*Bookmark {
	var roots []*Bookmark
	var stack []*Bookmark

	for _, h := range headings {
		level := h.level
		if level > len(stack)+1 {
			level = len(stack) + 1
		}
		node := &Bookmark{Label: h.label, Level: level, AnchorID: h.id}

		stack = stack[:level-1]
		if len(stack) == 0 {
			roots = append(roots, node)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
		}
		stack = append(stack, node)
	}

	return roots
}

// addBookmarkMetadata はレンダラーがアウトラインを生成できるよう、
// 各見出しに bookmark-level / bookmark-label のCSSプロパティを付与します。
func addBookmarkMetadata(headings []*anchoredHeading) {
	for _, h := range headings {
		level := h.level
		label := strings.ReplaceAll(h.label, "'", "")
		style := fmt.Sprintf("bookmark-level: %d; bookmark-label: '%s';", level, label)
		if existing, ok := h.sel.Attr("style"); ok && strings.TrimSpace(existing) != "" {
			style = strings.TrimRight(strings.TrimSpace(existing), ";") + "; " + style
		}
		h.sel.SetAttr("style", style)
	}
}

// insertTOC は生成済みのしおり木から目次ブロックを作り、文書先頭（h1の直後）に挿入します。
func insertTOC(doc *goquery.Document, tree []*Bookmark, lang Language) {
	if len(tree) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(`<nav class="toc"><h2 class="toc-title">`)
	sb.WriteString(html.EscapeString(tocTitle(lang)))
	sb.WriteString("</h2>")
	writeTOCList(&sb, tree)
	sb.WriteString("</nav>")

	if h1 := doc.Find("h1").First(); h1.Length() > 0 {
		h1.AfterHtml(sb.String())
		return
	}
	doc.Find("body").PrependHtml(sb.String())
}

func writeTOCList(sb *strings.Builder, nodes []*Bookmark) {
	sb.WriteString("<ul>")
	for _, node := range nodes {
		sb.WriteString(`<li><a href="#`)
		sb.WriteString(node.AnchorID)
		sb.WriteString(`">`)
		sb.WriteString(html.EscapeString(node.Label))
		sb.WriteString("</a>")
		if len(node.Children) > 0 {
			writeTOCList(sb, node.Children)
		}
		sb.WriteString("</li>")
	}
	sb.WriteString("</ul>")
}

func headingLevel(nodeName string) int {
	switch nodeName {
	case "h2":
		return 1
	case "h3":
		return 2
	case "h4":
		return 3
	default:
		return 1
	}
}

// slugify は見出しテキストからアンカー用スラッグを生成します。
// 小文字化したうえで英数字以外をハイフンに置き換えます。
func slugify(text string) string {
	var sb strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			sb.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if slug == "" {
		return "section"
	}
	return slug
}
