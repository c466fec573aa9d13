package document

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultSeparators is the split priority: paragraph break, line break, word
// break, sentence punctuation, clause punctuation, then single characters.
var defaultSeparators = []string{"\n\n", "\n", " ", ".", ",", ""}

// Chunk is one splitter output. StartOffset is the rune offset of Content in
// the original text; separators are retained, so the chunk is an exact
// substring of the input (modulo the whitespace trim applied last).
type Chunk struct {
	Content        string
	StartOffset    int
	CharacterCount int
	TokenCount     int
}

// Splitter is a recursive character splitter. It cuts on the highest-priority
// separator present, recurses into oversized pieces with the remaining
// separators, and re-merges small pieces into chunks of at most chunkSize
// runes with chunkOverlap runes carried between neighbours.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	return &Splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap, separators: defaultSeparators}
}

// piece is an intermediate split: a substring plus its rune offset.
type piece struct {
	text  string
	start int
}

// Split chunks text. Chunks are trimmed of surrounding whitespace (offsets
// adjusted accordingly); chunks that trim to nothing are dropped.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := s.splitPiece(piece{text: text}, s.separators)

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		content, start := trimPiece(p)
		if content == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:        content,
			StartOffset:    start,
			CharacterCount: utf8.RuneCountInString(content),
			TokenCount:     EstimateTokens(content),
		})
	}
	return chunks
}

// splitPiece cuts p on the first separator found in it, then walks the parts:
// runs of small parts are merged with overlap, oversized parts recurse with
// the lower-priority separators.
func (s *Splitter) splitPiece(p piece, separators []string) []piece {
	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(p.text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	parts := splitRetain(p, separator)

	var out []piece
	var small []piece
	for _, part := range parts {
		if utf8.RuneCountInString(part.text) < s.chunkSize {
			small = append(small, part)
			continue
		}
		if len(small) > 0 {
			out = append(out, s.mergePieces(small)...)
			small = nil
		}
		if len(remaining) == 0 {
			// no separator left that could shrink it further
			out = append(out, part)
		} else {
			out = append(out, s.splitPiece(part, remaining)...)
		}
	}
	if len(small) > 0 {
		out = append(out, s.mergePieces(small)...)
	}
	return out
}

// splitRetain splits on separator keeping it attached to the start of the
// following part, so concatenating the parts reproduces the input. The empty
// separator splits into single runes.
func splitRetain(p piece, separator string) []piece {
	if separator == "" {
		runes := []rune(p.text)
		parts := make([]piece, len(runes))
		for i, r := range runes {
			parts[i] = piece{text: string(r), start: p.start + i}
		}
		return parts
	}

	// byte index of every non-overlapping occurrence
	var marks []int
	for i := 0; ; {
		j := strings.Index(p.text[i:], separator)
		if j < 0 {
			break
		}
		marks = append(marks, i+j)
		i += j + len(separator)
	}

	boundaries := append([]int{0}, marks...)
	var parts []piece
	runeOff := 0
	for bi, start := range boundaries {
		end := len(p.text)
		if bi+1 < len(boundaries) {
			end = boundaries[bi+1]
		}
		segment := p.text[start:end]
		if segment == "" {
			continue
		}
		parts = append(parts, piece{text: segment, start: p.start + runeOff})
		runeOff += utf8.RuneCountInString(segment)
	}
	return parts
}

// mergePieces packs consecutive small pieces into chunks of at most chunkSize
// runes, carrying up to chunkOverlap trailing runes into the next chunk.
func (s *Splitter) mergePieces(pieces []piece) []piece {
	var out []piece
	var current []piece
	total := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		var b strings.Builder
		for _, p := range current {
			b.WriteString(p.text)
		}
		out = append(out, piece{text: b.String(), start: current[0].start})
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p.text)
		if total+n > s.chunkSize && total > 0 {
			flush()
			for total > s.chunkOverlap || (total+n > s.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(current[0].text)
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	flush()
	return out
}

// trimPiece strips surrounding whitespace and moves the offset past what was
// stripped from the front.
func trimPiece(p piece) (string, int) {
	leading := 0
	content := strings.TrimLeftFunc(p.text, func(r rune) bool {
		if unicode.IsSpace(r) {
			leading++
			return true
		}
		return false
	})
	content = strings.TrimRightFunc(content, unicode.IsSpace)
	return content, p.start + leading
}

// EstimateTokens approximates the token count as the whitespace-delimited
// word count plus half the non-word punctuation, rounded up, never below 1.
// The QA pipeline reuses it for its synthesized documents.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			continue
		}
		punct++
	}
	tokens := words + (punct+1)/2
	if tokens < 1 {
		return 1
	}
	return tokens
}
