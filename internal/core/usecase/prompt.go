package usecase

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const answerSystemPrompt = `You are an assistant that extracts and presents information from the contracts and documents of the knowledge base.
The user message contains numbered passages taken from those documents. Your task:
1. Answer the question using ONLY the information in the passages.
2. Use the conversation history, when present, to resolve follow-up questions such as "explain item 2" or "what is the amount?".
3. Always say which file and page each piece of information comes from, e.g. "according to file X, page Y".
4. Organize the answer clearly and use lists when appropriate (contract numbers, clauses).
5. If the information is not in the passages, say that it was not found in the available material.
Answer in the language of the question.`

const suggestSystemPrompt = `You suggest follow-up questions. Based on the question and answer provided, list 4 to 6 short questions the user could ask next (for example "Explain item 2 in more detail", "What is the amount mentioned?", "What are the deadlines?").
One question per line, no numbering. Use the language of the question.`

// NoMatchAnswer is returned when retrieval finds nothing; the model is not called.
const NoMatchAnswer = "No relevant passage was found in the documents. " +
	"Try rephrasing the question, choosing another document filter or rebuilding the index."

func buildAnswerPrompt(question string, chunks []domain.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nPassages from the knowledge base documents:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[Source %d - %s]\n%s\n", i+1, c.Chunk.Label(), c.Chunk.Text)
	}
	return b.String()
}

func buildSuggestPrompt(turn domain.Turn) string {
	return fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nSuggested next questions:", turn.Question, turn.Answer)
}

// parseSuggestions keeps up to six non-empty lines, stripping list markers.
func parseSuggestions(raw string) []string {
	out := make([]string, 0, 6)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || r == '-' || r == '*' || r == '.' || r == ')' || r == '•'
		})
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 6 {
			break
		}
	}
	return out
}

var (
	catalogScopeTerms = []string{"na base", "na pasta", "da base", "in the base", "knowledge base", "in the corpus", "indexed"}
	catalogItemTerms  = []string{"pdf", "arquivo", "documento", "file", "document", "contrato", "contract"}
	catalogAskTerms   = []string{"quais", "lista", "which", "list"}
)

// isCatalogQuestion detects questions about which documents the base holds,
// such as "quais PDFs estão na base?" or "which documents are indexed?".
func isCatalogQuestion(question string) bool {
	q := foldText(question)
	return containsAny(q, catalogScopeTerms) && containsAny(q, catalogAskTerms) && containsAny(q, catalogItemTerms)
}

func catalogAnswer(docs []domain.DocumentSummary) string {
	if len(docs) == 0 {
		return "The knowledge base has no indexed documents."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The knowledge base contains %d document(s):\n", len(docs))
	for i, d := range docs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, d.ID)
	}
	return b.String()
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func foldText(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
