package agents

import (
	"strings"
	"unicode/utf8"
)

const sentenceTerminators = "。！？!?；;\n"

// SentenceSplitter cuts a stream of text deltas into sentences. A period only
// ends a sentence when followed by whitespace, so numbers and abbreviations
// without a trailing space stay intact.
type SentenceSplitter struct {
	buffer strings.Builder
}

// Push adds delta and returns every sentence it completed.
func (s *SentenceSplitter) Push(delta string) []string {
	s.buffer.WriteString(delta)

	text := s.buffer.String()
	var sentences []string
	start := 0
	for i, r := range text {
		end := i + utf8.RuneLen(r)
		switch {
		case strings.ContainsRune(sentenceTerminators, r):
		case r == '.' && end < len(text) && isSpace(text[end]):
		default:
			continue
		}

		if sentence := strings.TrimSpace(text[start:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
	}

	s.buffer.Reset()
	s.buffer.WriteString(text[start:])
	return sentences
}

// Flush returns whatever is left in the buffer as the last sentence.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	return rest
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
