package knowledge

import (
	"strings"
)

// Chunker splits documents into overlapping word windows
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker producing chunks of at most size characters
// that share up to overlap characters with the previous chunk
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunks of text in order
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end, length := start, 0
		for end < len(words) {
			l := len(words[end])
			if end > start {
				l++
			}
			if length+l > c.size && end > start {
				break
			}
			length += l
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}

		next, carried := end, 0
		for next > start+1 {
			l := len(words[next-1]) + 1
			if carried+l > c.overlap {
				break
			}
			carried += l
			next--
		}
		start = next
	}
	return chunks
}
