package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessVectorTruncatesAndNormalizes(t *testing.T) {
	in := []float64{3, 4, 0, 0, 0}
	out := ProcessVector(in, 2)
	require.Len(t, out, 2)
	var norm float64
	for _, x := range out {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
	assert.InDelta(t, 0.6, out[0], 1e-9)
	assert.InDelta(t, 0.8, out[1], 1e-9)
}

func TestProcessVectorZeroVector(t *testing.T) {
	out := ProcessVector([]float64{0, 0, 0}, 3)
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestSplitMarkdownDropsBlankParagraphs(t *testing.T) {
	text := "first\n\n   \n\nsecond\n\nthird"
	got := splitMarkdown(text)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestRecursiveSplitOverlaps(t *testing.T) {
	text := "abcdefghij"
	chunks := recursiveSplit(text, 4, 1)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "abcd", chunks[0])
	assert.Equal(t, text[len(text)-4:], chunks[len(chunks)-1])
}

func TestRecursiveSplitShortTextIsOneChunk(t *testing.T) {
	chunks := recursiveSplit("short", 1000, 200)
	assert.Equal(t, []string{"short"}, chunks)
}

func TestFloatSliceToPGVectorFormat(t *testing.T) {
	got := floatSliceToPGVector([]float64{1, 0.5, -2})
	assert.Equal(t, "[1.000000,0.500000,-2.000000]", got)
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Equal(t, "No relevant knowledge found.", FormatContext(nil))
}

func TestFormatContextJoinsSources(t *testing.T) {
	items := []Item{
		{Title: "Pricing FAQ", Content: "Plans start at $10.", Score: 0.87},
		{Title: "Onboarding", Content: "Complete your profile first.", Score: 0.5},
	}
	got := FormatContext(items)
	assert.Contains(t, got, "Source: Pricing FAQ (Confidence: 0.87)")
	assert.Contains(t, got, "Content: Plans start at $10.")
	assert.Contains(t, got, "\n\n")
}
