package chunker

import (
	"errors"
	"fmt"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// ErrInvalidConfig is returned when overlap >= size, which would make the
// window step non-positive and the walk loop forever.
var ErrInvalidConfig = errors.New("chunk overlap must be smaller than chunk size")

// Split cuts text into overlapping rune windows of at most size runes, each
// window starting size-overlap runes after the previous one. The trailing
// window may be shorter and is always emitted, so the union of windows covers
// every rune of the input. Pure function, safe to call concurrently.
func Split(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size %d, overlap %d", ErrInvalidConfig, size, overlap)
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}, nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
