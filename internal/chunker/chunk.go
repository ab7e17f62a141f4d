package chunker

import (
	"fmt"
	"time"

	"collab-engine/internal/ot"

	"github.com/cespare/xxhash/v2"
)

// Chunk is a contiguous slice of a larger document.
// Offsets and lengths are in runes.
type Chunk struct {
	ID           string
	Content      string
	StartOffset  int
	Length       int
	LastModified time.Time
}

func newChunk(id, content string, start int, now time.Time) *Chunk {
	return &Chunk{
		ID:           id,
		Content:      content,
		StartOffset:  start,
		Length:       runeLen(content),
		LastModified: now,
	}
}

// EndOffset is the first document position after this chunk.
func (c *Chunk) EndOffset() int {
	return c.StartOffset + c.Length
}

// ApplyOperation applies the part of op that falls inside this chunk.
// For a delete that crosses the chunk boundaries the remainders are returned
// as overflow deletes, expressed in document coordinates after this chunk
// shrank: before covers the part preceding the chunk, after the part
// following it.
func (c *Chunk) ApplyOperation(op ot.Operation, now time.Time) (before, after *ot.Operation) {
	switch op.Type {
	case ot.OpInsert:
		if op.Position < c.StartOffset || op.Position > c.EndOffset() {
			return nil, nil
		}
		c.mutate(ot.NewInsert(op.Position-c.StartOffset, op.Text), now)
		return nil, nil

	case ot.OpDelete:
		deleteEnd := op.End()
		if deleteEnd <= c.StartOffset || op.Position >= c.EndOffset() {
			return nil, nil
		}

		overlapStart := max(op.Position, c.StartOffset)
		overlapEnd := min(deleteEnd, c.EndOffset())
		c.mutate(ot.NewDelete(overlapStart-c.StartOffset, overlapEnd-overlapStart), now)

		if op.Position < c.StartOffset {
			d := ot.NewDelete(op.Position, c.StartOffset-op.Position)
			before = &d
		}
		if remaining := deleteEnd - overlapEnd; remaining > 0 {
			d := ot.NewDelete(c.EndOffset(), remaining)
			after = &d
		}
		return before, after
	}

	return nil, nil
}

func (c *Chunk) mutate(local ot.Operation, now time.Time) {
	c.Content = ot.Apply(c.Content, local)
	c.Length = runeLen(c.Content)
	c.LastModified = now
}

// chunkID derives a stable id from a chunk's offset and content.
func chunkID(offset int, content string) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(content))
	return fmt.Sprintf("chunk_%d_%s", offset, sum[:8])
}
