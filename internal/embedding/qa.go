package embedding

import (
	"encoding/json"
	"regexp"
	"strings"
)

// QAPair is one parsed question/answer pair.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ParseQAPairs extracts question/answer pairs from a completion reply.
// Models rarely honor the response format exactly, so three shapes are
// accepted in order: a JSON array of {question, answer} objects (possibly
// inside a code fence), numbered markdown blocks, and bare Q:/A: lines.
// Pairs with an empty question or answer are dropped.
func ParseQAPairs(reply string) []QAPair {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}

	if pairs := parseJSONPairs(reply); len(pairs) > 0 {
		return pairs
	}
	if pairs := parseNumberedPairs(reply); len(pairs) > 0 {
		return pairs
	}
	return parseQALines(reply)
}

// parseJSONPairs finds the outermost JSON array in the reply and decodes it.
func parseJSONPairs(reply string) []QAPair {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}
	var raw []QAPair
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil
	}
	return cleanPairs(raw)
}

var numberedStart = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*`)

// parseNumberedPairs cuts the reply at numbered list markers. Inside each
// block, an explicit answer marker splits question from answer; otherwise
// the first line is the question and the rest the answer.
func parseNumberedPairs(reply string) []QAPair {
	locs := numberedStart.FindAllStringIndex(reply, -1)
	if len(locs) == 0 {
		return nil
	}

	var pairs []QAPair
	for i, loc := range locs {
		end := len(reply)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := strings.TrimSpace(reply[loc[1]:end])
		if block == "" {
			continue
		}
		q, a := splitQuestionAnswer(block)
		pairs = append(pairs, QAPair{Question: q, Answer: a})
	}
	return cleanPairs(pairs)
}

var answerMarker = regexp.MustCompile(`(?mi)^\s*\**(A|Answer|R|Resposta)\**\s*:\s*`)
var questionMarker = regexp.MustCompile(`(?i)^\s*\**(Q|Question|P|Pergunta)\**\s*:\s*`)

func splitQuestionAnswer(block string) (string, string) {
	if loc := answerMarker.FindStringIndex(block); loc != nil {
		q := questionMarker.ReplaceAllString(strings.TrimSpace(block[:loc[0]]), "")
		a := strings.TrimSpace(block[loc[1]:])
		return strings.TrimSpace(q), a
	}
	if i := strings.IndexByte(block, '\n'); i >= 0 {
		q := questionMarker.ReplaceAllString(strings.TrimSpace(block[:i]), "")
		return strings.TrimSpace(q), strings.TrimSpace(block[i+1:])
	}
	return strings.TrimSpace(questionMarker.ReplaceAllString(block, "")), ""
}

// parseQALines walks Q:/A: prefixed lines, pairing each question with the
// answer lines that follow until the next question.
func parseQALines(reply string) []QAPair {
	var pairs []QAPair
	var current *QAPair
	inAnswer := false

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case questionMarker.MatchString(trimmed) && trimmed != "":
			if current != nil {
				pairs = append(pairs, *current)
			}
			current = &QAPair{Question: strings.TrimSpace(questionMarker.ReplaceAllString(trimmed, ""))}
			inAnswer = false
		case current != nil && answerMarker.MatchString(trimmed) && trimmed != "":
			current.Answer = strings.TrimSpace(answerMarker.ReplaceAllString(trimmed, ""))
			inAnswer = true
		case current != nil && inAnswer && trimmed != "":
			current.Answer += "\n" + trimmed
		}
	}
	if current != nil {
		pairs = append(pairs, *current)
	}
	return cleanPairs(pairs)
}

func cleanPairs(raw []QAPair) []QAPair {
	var out []QAPair
	for _, p := range raw {
		p.Question = strings.TrimSpace(p.Question)
		p.Answer = strings.TrimSpace(p.Answer)
		if p.Question == "" || p.Answer == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
