package content

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is one slice of a longer text, with rune offsets into the original.
type Chunk struct {
	Text  string
	Start int
	End   int
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCount measures text in cl100k tokens, falling back to a word count if
// the encoding files are unavailable (offline environments).
func tokenCount(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// Chunker splits texts into token-bounded pieces along natural boundaries.
type Chunker struct {
	// Size is the target chunk size in tokens.
	Size int
	// Overlap is how many trailing tokens of a chunk reappear at the head
	// of the next one.
	Overlap int
}

// NewChunker applies the default 1024/128 sizing when zeroes are passed.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1024
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split breaks text into chunks. Paragraph boundaries are preferred, then
// sentence boundaries; a single oversized sentence is split hard. Offsets
// are rune positions into the input.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if tokenCount(text) <= c.Size {
		return []Chunk{{Text: text, Start: 0, End: len([]rune(text))}}
	}

	units := splitUnits(text)
	var chunks []Chunk
	var cur []unit
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		start := cur[0].start
		end := cur[len(cur)-1].end
		runes := []rune(text)
		chunks = append(chunks, Chunk{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		// Carry overlap into the next chunk.
		if c.Overlap > 0 {
			var keep []unit
			kept := 0
			for i := len(cur) - 1; i >= 0 && kept < c.Overlap; i-- {
				keep = append([]unit{cur[i]}, keep...)
				kept += cur[i].tokens
			}
			cur = keep
			curTokens = kept
		} else {
			cur = nil
			curTokens = 0
		}
	}

	for _, u := range units {
		if u.tokens > c.Size {
			// Oversized unit: flush what we have, then hard-split it.
			flush()
			cur = nil
			curTokens = 0
			for _, piece := range hardSplit(text, u, c.Size) {
				chunks = append(chunks, piece)
			}
			continue
		}
		if curTokens+u.tokens > c.Size {
			flush()
		}
		cur = append(cur, u)
		curTokens += u.tokens
	}
	if len(cur) > 0 {
		start := cur[0].start
		end := cur[len(cur)-1].end
		runes := []rune(text)
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), Start: start, End: end})
	}
	return chunks
}

type unit struct {
	start, end int // rune offsets
	tokens     int
}

// splitUnits breaks text into sentence-ish units with rune offsets.
// Paragraph breaks always end a unit.
func splitUnits(text string) []unit {
	runes := []rune(text)
	var units []unit
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		boundary := false
		switch r {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				boundary = true
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				boundary = true
			}
		}
		if boundary || i == len(runes)-1 {
			end := i + 1
			segment := strings.TrimSpace(string(runes[start:end]))
			if segment != "" {
				units = append(units, unit{start: start, end: end, tokens: tokenCount(segment)})
			}
			start = end
		}
	}
	return units
}

// hardSplit cuts an oversized unit into fixed windows of roughly size
// tokens, approximated by rune proportion.
func hardSplit(text string, u unit, size int) []Chunk {
	runes := []rune(text)
	span := u.end - u.start
	if u.tokens == 0 {
		return nil
	}
	window := span * size / u.tokens
	if window <= 0 {
		window = span
	}
	var out []Chunk
	for start := u.start; start < u.end; start += window {
		end := start + window
		if end > u.end {
			end = u.end
		}
		out = append(out, Chunk{Text: string(runes[start:end]), Start: start, End: end})
	}
	return out
}

// SplitCode splits source code on line boundaries, keeping declarations
// with their bodies where possible by preferring breaks at zero-indentation
// lines.
func (c *Chunker) SplitCode(code string) []Chunk {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	if tokenCount(code) <= c.Size {
		return []Chunk{{Text: code, Start: 0, End: len([]rune(code))}}
	}

	lines := strings.SplitAfter(code, "\n")
	var chunks []Chunk
	var cur strings.Builder
	curTokens := 0
	chunkStart := 0
	offset := 0

	flush := func(end int) {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Text: cur.String(), Start: chunkStart, End: end})
		cur.Reset()
		curTokens = 0
		chunkStart = end
	}

	for _, line := range lines {
		lineTokens := tokenCount(line)
		topLevel := len(line) > 0 && line[0] != ' ' && line[0] != '\t'
		if curTokens+lineTokens > c.Size && curTokens > 0 && (topLevel || curTokens+lineTokens > c.Size*3/2) {
			flush(offset)
		}
		cur.WriteString(line)
		curTokens += lineTokens
		offset += len([]rune(line))
	}
	flush(offset)
	return chunks
}
