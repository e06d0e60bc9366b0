package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage_ShortTextUnchanged(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"hello",
		"Line one.\n\nLine two.",
		strings.Repeat("a", 99),
	} {
		assert.Equal(t, []string{in}, SplitMessage(in), "input %q", in)
	}
}

func TestSplitMessage_CountsRunes(t *testing.T) {
	// 60 runes but 120 bytes.
	in := strings.Repeat("é", 60)
	assert.Equal(t, []string{in}, SplitMessage(in))
}

func TestSplitMessage_FourParagraphsMergeInPairs(t *testing.T) {
	p := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
		strings.Repeat("d", 40),
	}
	in := strings.Join(p, "\n\n")

	chunks := SplitMessage(in)
	require.Len(t, chunks, 2)
	assert.Equal(t, p[0]+"\n\n"+p[1], chunks[0])
	assert.Equal(t, p[2]+"\n\n"+p[3], chunks[1])
	assert.Len(t, chunks[0], 82)
}

func TestSplitMessage_BlankLinesWithWhitespace(t *testing.T) {
	p1 := strings.Repeat("x", 60)
	p2 := strings.Repeat("y", 60)
	in := p1 + "\n   \n\t\n" + p2

	assert.Equal(t, []string{p1, p2}, SplitMessage(in))
}

func TestSplitMessage_FlushBeforeReachingLimit(t *testing.T) {
	// 48 + 2 + 49 = 99 stays merged; adding anything else flushes.
	p1 := strings.Repeat("a", 48)
	p2 := strings.Repeat("b", 49)
	p3 := strings.Repeat("c", 10)
	chunks := SplitMessage(strings.Join([]string{p1, p2, p3}, "\n\n"))
	assert.Equal(t, []string{p1 + "\n\n" + p2, p3}, chunks)

	// 49 + 2 + 49 = 100 reaches the limit and is not merged.
	q1 := strings.Repeat("a", 49)
	chunks = SplitMessage(strings.Join([]string{q1, p2, p3}, "\n\n"))
	assert.Equal(t, []string{q1, p2 + "\n\n" + p3}, chunks)
}

func TestSplitMessage_SentenceFallback(t *testing.T) {
	sentence := strings.Repeat("w", 89) + "." // 90 runes
	in := strings.Join([]string{sentence, sentence, sentence, sentence}, " ")

	chunks := SplitMessage(in)
	require.Len(t, chunks, 2)
	assert.Equal(t, sentence+" "+sentence, chunks[0])
	assert.Equal(t, sentence+" "+sentence, chunks[1])
}

func TestSplitMessage_SentencePunctuationKinds(t *testing.T) {
	a := strings.Repeat("a", 120) + "!"
	b := strings.Repeat("b", 120) + "?"
	c := strings.Repeat("c", 120) + "."
	chunks := SplitMessage(a + "  " + b + "\n" + c)
	assert.Equal(t, []string{a, b, c}, chunks)
}

func TestSplitMessage_OversizedParagraphKept(t *testing.T) {
	in := strings.Repeat("word ", 100)
	chunks := SplitMessage(in)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.TrimSpace(in), chunks[0])
}

func TestSplitMessage_PreservesWordingAndOrder(t *testing.T) {
	in := "First paragraph is here and it is reasonably long to matter.\n\n" +
		"Second one follows with more words in it.\n\n" +
		"Third closes the message. It has two sentences!"

	chunks := SplitMessage(in)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
	assert.Equal(t, strings.Fields(in), strings.Fields(strings.Join(chunks, " ")))
}

func TestSplitMessage_LongWhitespaceOnly(t *testing.T) {
	assert.Empty(t, SplitMessage(strings.Repeat(" \n", 80)))
}
