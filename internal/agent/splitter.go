package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// splitMinLength is the length below which a reply is never split.
	splitMinLength = 100
	// paragraphChunkLimit bounds merged paragraphs.
	paragraphChunkLimit = 100
	// sentenceChunkLimit bounds merged sentences when the reply has no paragraph breaks.
	sentenceChunkLimit = 200
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]\s+`)
)

// SplitMessage turns one generated reply into chat-bubble sized chunks.
// Lengths are counted in runes. Short text is returned unchanged as a single
// chunk; longer text is split on blank lines, or on sentence boundaries when
// it is a single paragraph, and greedily re-merged up to the chunk limits.
// A single paragraph without sentence punctuation stays one oversized chunk.
// Long text made only of whitespace yields no chunks.
func SplitMessage(text string) []string {
	if utf8.RuneCountInString(text) < splitMinLength {
		return []string{text}
	}

	paragraphs := nonEmpty(paragraphBreak.Split(text, -1))
	if len(paragraphs) > 1 {
		return mergeChunks(paragraphs, "\n\n", paragraphChunkLimit)
	}
	if len(paragraphs) == 0 {
		return nil
	}
	return mergeChunks(splitSentences(paragraphs[0]), " ", sentenceChunkLimit)
}

// splitSentences cuts s at whitespace that follows '.', '!' or '?'.
// The punctuation stays with its sentence.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(s, -1) {
		// loc[0] is the punctuation byte; keep it in the sentence.
		out = append(out, s[start:loc[0]+1])
		start = loc[1]
	}
	out = append(out, s[start:])
	return nonEmpty(out)
}

// mergeChunks accumulates parts into a buffer joined by sep while the
// buffer stays under limit runes, flushing when the next part would reach it.
func mergeChunks(parts []string, sep string, limit int) []string {
	var chunks []string
	buf := ""
	for _, part := range parts {
		if buf == "" {
			buf = part
			continue
		}
		candidate := buf + sep + part
		if utf8.RuneCountInString(candidate) < limit {
			buf = candidate
			continue
		}
		chunks = append(chunks, buf)
		buf = part
	}
	if buf != "" {
		chunks = append(chunks, buf)
	}
	return chunks
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
