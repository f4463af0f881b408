package misc

import (
	"context"
	"time"
	"unicode/utf8"
)

// SleepCtx sleeps for the given duration unless the context is cancelled
// first, in which case the context error is returned.
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// ChunkString splits s into consecutive chunks of at most size bytes,
// preferring to break on the last newline, then the last space, within each
// chunk. Multi-byte runes are never split. A non-positive size returns s as
// a single chunk.
func ChunkString(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var chunks []string
	for len(s) > size {
		cut := size
		if idx := lastIndexByte(s[:size], '\n'); idx > 0 {
			cut = idx + 1
		} else if idx := lastIndexByte(s[:size], ' '); idx > 0 {
			cut = idx + 1
		} else {
			// hard split, backed up to a rune boundary
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
