package notes

import (
	"strings"
	"testing"
)

func TestMarkdownToHTMLHeadings(t *testing.T) {
	out, err := MarkdownToHTML("# Title\n\n## Key Concepts\n\n- point one\n")
	if err != nil {
		t.Fatalf("MarkdownToHTML returned error: %v", err)
	}
	if !strings.Contains(out, "<h1") || !strings.Contains(out, "<h2") {
		t.Fatalf("expected heading tags, got %q", out)
	}
	if !strings.Contains(out, "<li>point one</li>") {
		t.Fatalf("expected list item, got %q", out)
	}
}

func TestMarkdownToHTMLGFMTable(t *testing.T) {
	src := "| Term | Meaning |\n|------|---------|\n| ACID | 原子性ほか |\n"
	out, err := MarkdownToHTML(src)
	if err != nil {
		t.Fatalf("MarkdownToHTML returned error: %v", err)
	}
	if !strings.Contains(out, "<table>") {
		t.Fatalf("expected GFM table rendering, got %q", out)
	}
}

func TestMarkdownToHTMLBoldQuestions(t *testing.T) {
	out, err := MarkdownToHTML("**What is a B-tree?** A balanced search tree.\n")
	if err != nil {
		t.Fatalf("MarkdownToHTML returned error: %v", err)
	}
	if !strings.Contains(out, "<strong>What is a B-tree?</strong>") {
		t.Fatalf("expected bold question, got %q", out)
	}
}
