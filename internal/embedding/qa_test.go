package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQAPairs_JSONArray(t *testing.T) {
	reply := `[{"question":"What is X?","answer":"X is a thing."},{"question":"Why Y?","answer":"Because Z."}]`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 2)
	assert.Equal(t, "What is X?", pairs[0].Question)
	assert.Equal(t, "Because Z.", pairs[1].Answer)
}

func TestParseQAPairs_JSONInsideCodeFence(t *testing.T) {
	reply := "Here you go:\n```json\n[{\"question\":\"Q1?\",\"answer\":\"A1.\"}]\n```"
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 1)
	assert.Equal(t, "Q1?", pairs[0].Question)
	assert.Equal(t, "A1.", pairs[0].Answer)
}

func TestParseQAPairs_NumberedMarkdown(t *testing.T) {
	reply := `1. What is the capital?
A: The capital is Brasília.

2. When was it founded?
A: In 1960.`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 2)
	assert.Equal(t, "What is the capital?", pairs[0].Question)
	assert.Equal(t, "The capital is Brasília.", pairs[0].Answer)
	assert.Equal(t, "In 1960.", pairs[1].Answer)
}

func TestParseQAPairs_NumberedWithoutMarkers(t *testing.T) {
	reply := `1) What does the law say?
It guarantees equality.

2) Who does it apply to?
Everyone in the territory.`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 2)
	assert.Equal(t, "What does the law say?", pairs[0].Question)
	assert.Equal(t, "It guarantees equality.", pairs[0].Answer)
}

func TestParseQAPairs_QALines(t *testing.T) {
	reply := `Q: First question?
A: First answer.
Q: Second question?
A: Second answer
spanning two lines.`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 2)
	assert.Equal(t, "First question?", pairs[0].Question)
	assert.Equal(t, "Second answer\nspanning two lines.", pairs[1].Answer)
}

func TestParseQAPairs_PortugueseMarkers(t *testing.T) {
	reply := `P: Qual é a regra?
R: A regra é clara.`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 1)
	assert.Equal(t, "Qual é a regra?", pairs[0].Question)
	assert.Equal(t, "A regra é clara.", pairs[0].Answer)
}

func TestParseQAPairs_DropsEmptyAnswers(t *testing.T) {
	reply := `[{"question":"Good?","answer":"Yes."},{"question":"Empty?","answer":""},{"question":"","answer":"orphan"}]`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 1)
	assert.Equal(t, "Good?", pairs[0].Question)
}

func TestParseQAPairs_GarbageYieldsNothing(t *testing.T) {
	assert.Empty(t, ParseQAPairs(""))
	assert.Empty(t, ParseQAPairs("I cannot generate questions for this text."))
}
