package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

// タイトル候補の生成に渡す文字起こし冒頭の上限バイト数。
const titleExcerptBytes = 2000

// コーネル式ノートに必須の4セクション。言語ごとに見出し文言が異なります。
var requiredSections = map[Language][]string{
	LanguageEnglish: {"Key Concepts", "Detailed Notes", "Summary", "Practice Questions"},
	LanguageSpanish: {"Conceptos Clave", "Notas Detalladas", "Resumen", "Preguntas de Práctica"},
}

const systemPromptEN = `You are an expert academic note-taker. Convert the lecture transcript into Cornell-style study notes written in English, as Markdown.

The document MUST contain exactly these four sections, each as a level-2 heading (##), in this order:

## Key Concepts
Short cue-column items: the key terms and guiding questions of the lecture.

## Detailed Notes
The full notes body. Use level-3 headings (###) for topics, with bullet points, definitions and examples.

## Summary
A concise paragraph summarising the lecture.

## Practice Questions
5 to 7 question/answer pairs based on the material. Format each as a bold question followed by its answer.

Do not add any preamble or closing remarks outside these sections. Start with a level-1 heading containing the lecture title.`

const systemPromptES = `Eres un experto en la toma de apuntes académicos. Convierte la transcripción de la clase en apuntes de estudio estilo Cornell, escritos en español, en formato Markdown.

El documento DEBE contener exactamente estas cuatro secciones, cada una como encabezado de nivel 2 (##), en este orden:

## Conceptos Clave
Elementos breves para la columna de pistas: los términos clave y preguntas guía de la clase.

## Notas Detalladas
El cuerpo completo de los apuntes. Usa encabezados de nivel 3 (###) para los temas, con viñetas, definiciones y ejemplos.

## Resumen
Un párrafo conciso que resuma la clase.

## Preguntas de Práctica
De 5 a 7 pares de pregunta/respuesta basados en el material. Escribe cada pregunta en negrita seguida de su respuesta.

No añadas ningún preámbulo ni comentario final fuera de estas secciones. Empieza con un encabezado de nivel 1 con el título de la clase.`

func systemPrompt(lang Language) string {
	if lang == LanguageSpanish {
		return systemPromptES
	}
	return systemPromptEN
}

// StructureResult はノート構造の検証結果です。
// Missing と Duplicated が両方空なら、必須セクションがちょうど1回ずつ揃っています。
type StructureResult struct {
	Missing    []string
	Duplicated []string
}

// Valid は必須セクションがすべてちょうど1回ずつ存在するか返します。
func (r StructureResult) Valid() bool {
	return len(r.Missing) == 0 && len(r.Duplicated) == 0
}

func (r StructureResult) problems() string {
	var parts []string
	if len(r.Missing) > 0 {
		parts = append(parts, "欠落: "+strings.Join(r.Missing, ", "))
	}
	if len(r.Duplicated) > 0 {
		parts = append(parts, "重複: "+strings.Join(r.Duplicated, ", "))
	}
	return strings.Join(parts, " / ")
}

// ValidateStructure は必須4セクションの見出しがそれぞれちょうど1回現れるか検査します。
func ValidateStructure(markdownText string, lang Language) StructureResult {
	var result StructureResult
	for _, section := range requiredSections[lang] {
		pattern := regexp.MustCompile(`(?mi)^#{2,3}\s*` + regexp.QuoteMeta(section))
		switch n := len(pattern.FindAllStringIndex(markdownText, -1)); {
		case n == 0:
			result.Missing = append(result.Missing, section)
		case n > 1:
			result.Duplicated = append(result.Duplicated, section)
		}
	}
	return result
}

// SynthesizeNotes は文字起こし（と任意の補助テキスト）からコーネル式ノートを生成します。
// 構造検証に失敗した場合は修正指示付きで1回だけ再生成し、それでも不正なら
// NOTES_STRUCTURE_INVALID を返します。
func (s *Service) SynthesizeNotes(ctx context.Context, transcript, supplementary, lectureTitle string, lang Language) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", newError(CodeNoteGenerationFailed, "文字起こしが空のためノートを生成できません。", nil)
	}

	user := buildUserPrompt(transcript, supplementary, lectureTitle, lang)

	text, err := s.ai.Complete(ctx, systemPrompt(lang), user)
	if err != nil {
		return "", newError(CodeNoteGenerationFailed, "ノートの生成に失敗しました。時間をおいて再度お試しください。", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(CodeNoteGenerationFailed, "ノートの生成結果が空でした。", nil)
	}

	check := ValidateStructure(text, lang)
	if check.Valid() {
		return text, nil
	}

	s.log.Warn("notes failed structural check; retrying with corrective prompt",
		"missing", check.Missing,
		"duplicated", check.Duplicated,
		"language", lang,
	)

	corrective := user + "\n\n" + correctiveInstruction(check, lang)
	retryText, err := s.ai.Complete(ctx, systemPrompt(lang), corrective)
	if err != nil {
		return "", newError(CodeNoteGenerationFailed, "ノートの再生成に失敗しました。", err)
	}
	retryText = strings.TrimSpace(retryText)

	if retry := ValidateStructure(retryText, lang); !retry.Valid() {
		return "", newError(CodeNotesStructureInvalid,
			fmt.Sprintf("生成されたノートの必須セクションが不正です（%s）", retry.problems()), nil)
	}
	return retryText, nil
}

func buildUserPrompt(transcript, supplementary, lectureTitle string, lang Language) string {
	var sb strings.Builder
	if lang == LanguageSpanish {
		sb.WriteString("Título de la clase: ")
	} else {
		sb.WriteString("Lecture title: ")
	}
	sb.WriteString(lectureTitle)
	sb.WriteString("\n\n")

	if lang == LanguageSpanish {
		sb.WriteString("Transcripción:\n")
	} else {
		sb.WriteString("Transcript:\n")
	}
	sb.WriteString(transcript)

	if strings.TrimSpace(supplementary) != "" {
		if lang == LanguageSpanish {
			sb.WriteString("\n\nMaterial complementario (PDF):\n")
		} else {
			sb.WriteString("\n\nSupplementary material (PDF):\n")
		}
		sb.WriteString(supplementary)
	}
	return sb.String()
}

func correctiveInstruction(check StructureResult, lang Language) string {
	var issues []string
	if lang == LanguageSpanish {
		if len(check.Missing) > 0 {
			issues = append(issues, "omitió las secciones obligatorias: "+strings.Join(check.Missing, ", "))
		}
		if len(check.Duplicated) > 0 {
			issues = append(issues, "repitió las secciones: "+strings.Join(check.Duplicated, ", "))
		}
		return fmt.Sprintf("IMPORTANTE: tu respuesta anterior %s. Genera el documento completo de nuevo incluyendo cada una de las cuatro secciones obligatorias exactamente una vez, como encabezados de nivel 2.", strings.Join(issues, " y "))
	}
	if len(check.Missing) > 0 {
		issues = append(issues, "was missing the mandatory sections: "+strings.Join(check.Missing, ", "))
	}
	if len(check.Duplicated) > 0 {
		issues = append(issues, "repeated the sections: "+strings.Join(check.Duplicated, ", "))
	}
	return fmt.Sprintf("IMPORTANT: your previous answer %s. Regenerate the complete document and include each of the four mandatory sections exactly once, as level-2 headings.", strings.Join(issues, " and "))
}

const titlePromptEN = `Given the beginning of a lecture transcript, suggest 3 to 5 short lecture titles in English. Respond with a JSON array of strings only, no other text.`

const titlePromptES = `Dado el comienzo de la transcripción de una clase, sugiere de 3 a 5 títulos cortos en español. Responde únicamente con un array JSON de cadenas, sin ningún otro texto.`

// SuggestTitle は文字起こしの冒頭からタイトル候補を取得し、先頭の候補を返します。
// あくまでベストエフォートで、失敗した場合は fallback を返しパイプラインは止めません。
func (s *Service) SuggestTitle(ctx context.Context, transcript string, lang Language, fallback string) string {
	prompt := titlePromptEN
	if lang == LanguageSpanish {
		prompt = titlePromptES
	}

	excerpt := transcript
	if len(excerpt) > titleExcerptBytes {
		cut := titleExcerptBytes
		// マルチバイト文字の途中で切ると不正なUTF-8になるので境界まで戻す
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}

	raw, err := s.ai.Complete(ctx, prompt, excerpt)
	if err != nil {
		s.log.Warn("title suggestion failed; falling back", "error", err)
		return fallback
	}

	var titles []string
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &titles); err != nil || len(titles) == 0 {
		s.log.Warn("title suggestion returned unparsable payload; falling back")
		return fallback
	}

	title := strings.TrimSpace(titles[0])
	if title == "" {
		return fallback
	}
	return title
}

// titleFromFilename はファイル名から講義タイトルの代替を導出します。
func titleFromFilename(storedPath string) string {
	base := path.Base(storedPath)
	ext := path.Ext(base)
	base = strings.TrimSuffix(base, ext)
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.TrimSpace(base)
	if base == "" {
		return "Untitled Lecture"
	}
	return base
}
