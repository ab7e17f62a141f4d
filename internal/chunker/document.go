package chunker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/ot"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

/*
LEARNING: CHUNKED DOCUMENTS

A multi-megabyte file is split into chunks of roughly chunkSize runes.
Operations are applied to the chunk that owns their position, so an edit
touches one chunk instead of rebuilding the whole string, and clients can be
sent only the chunks that changed since they last acknowledged.

Invariants after every mutation:
- chunks[i].StartOffset + chunks[i].Length == chunks[i+1].StartOffset
- sum(chunks[i].Length) == totalLength

Rebalancing is a full re-chunk of the reassembled content, which is O(n) in
the document size. That is the known scaling limit of this design.
*/

const (
	// DefaultChunkSize is both the nominal chunk size and the size above
	// which a file is chunked at all.
	DefaultChunkSize = 1 << 20

	singleChunkID = "single"

	oversizeFactor  = 1.5
	undersizeFactor = 0.5
)

// ChunkedDocument is a document held as an ordered list of chunks.
type ChunkedDocument struct {
	mu sync.RWMutex

	filePath    string
	chunkSize   int
	chunks      []*Chunk
	totalLength int
	isChunked   bool

	cache      string
	cacheValid bool

	lastStamp time.Time
	clock     func() time.Time
}

// NewChunkedDocument creates an empty document. A non-positive chunkSize
// selects DefaultChunkSize.
func NewChunkedDocument(filePath string, chunkSize int) *ChunkedDocument {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	d := &ChunkedDocument{
		filePath:  filePath,
		chunkSize: chunkSize,
		clock:     time.Now,
	}
	d.setContentLocked("", d.tick())
	return d
}

// SetContent replaces the whole document, chunking it when it is larger
// than the chunk size.
func (d *ChunkedDocument) SetContent(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setContentLocked(content, d.tick())
}

func (d *ChunkedDocument) setContentLocked(content string, now time.Time) {
	previous := make(map[string]*Chunk, len(d.chunks))
	for _, c := range d.chunks {
		previous[c.ID] = c
	}

	wasChunked := d.isChunked
	runes := []rune(content)
	d.totalLength = len(runes)
	d.chunks = d.chunks[:0]

	if len(runes) <= d.chunkSize {
		d.isChunked = false
		d.chunks = append(d.chunks, newChunk(singleChunkID, content, 0, now))
		d.cache = content
		d.cacheValid = true
		return
	}

	d.isChunked = true
	for offset := 0; offset < len(runes); offset += d.chunkSize {
		end := min(offset+d.chunkSize, len(runes))
		text := string(runes[offset:end])
		c := newChunk(chunkID(offset, text), text, offset, now)

		// Unchanged chunks keep their timestamp so incremental updates stay small.
		if old, ok := previous[c.ID]; ok && old.Content == text {
			c.LastModified = old.LastModified
		}
		d.chunks = append(d.chunks, c)
	}
	d.cache = content
	d.cacheValid = true

	if !wasChunked {
		d.logConversion()
	}
}

// Content reassembles the document. The result is cached until the next mutation.
func (d *ChunkedDocument) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contentLocked()
}

func (d *ChunkedDocument) contentLocked() string {
	if d.cacheValid {
		return d.cache
	}

	var b strings.Builder
	for _, c := range d.chunks {
		b.WriteString(c.Content)
	}
	d.cache = b.String()
	d.cacheValid = true
	return d.cache
}

// ApplyOperation applies op to the chunks it touches, re-dispatching
// overflow deletes to neighbouring chunks, then rebalances if any chunk
// drifted too far from the nominal size.
func (d *ChunkedDocument) ApplyOperation(op ot.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cacheValid = false
	now := d.tick()

	switch op.Type {
	case ot.OpInsert:
		d.applyInsert(op, now)
	case ot.OpDelete:
		d.applyDelete(op, now)
	}

	d.totalLength = 0
	for _, c := range d.chunks {
		d.totalLength += c.Length
	}

	return d.rebalanceIfNeeded(now)
}

func (d *ChunkedDocument) applyInsert(op ot.Operation, now time.Time) {
	pos := min(op.Position, d.totalLength)

	idx := d.chunkIndexAt(pos)
	if idx < 0 {
		// pos == totalLength: append to the last chunk
		idx = len(d.chunks) - 1
	}

	d.chunks[idx].ApplyOperation(ot.NewInsert(pos, op.Text), now)
	d.reflowFrom(idx)
}

func (d *ChunkedDocument) applyDelete(op ot.Operation, now time.Time) {
	start := min(op.Position, d.totalLength)
	end := min(op.End(), d.totalLength)
	if end <= start {
		return
	}

	// Stack of pending deletes. An "after" overflow is pushed last so it is
	// handled before the "before" overflow, whose removal would shift it.
	pending := []ot.Operation{ot.NewDelete(start, end-start)}
	limit := 2*len(d.chunks) + 2

	for rounds := 0; len(pending) > 0; rounds++ {
		if rounds >= limit {
			log.Warn("⚠️  Overflow dispatch did not settle", "file", d.filePath, "pending", len(pending))
			return
		}

		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if cur.Length == 0 {
			continue
		}

		idx := d.chunkIndexAt(cur.Position)
		if idx < 0 {
			continue
		}

		before, after := d.chunks[idx].ApplyOperation(cur, now)
		d.reflowFrom(idx)

		if before != nil {
			pending = append(pending, *before)
		}
		if after != nil {
			pending = append(pending, *after)
		}
	}
}

// chunkIndexAt returns the chunk with StartOffset <= pos < EndOffset, or -1.
func (d *ChunkedDocument) chunkIndexAt(pos int) int {
	i := sort.Search(len(d.chunks), func(i int) bool {
		return d.chunks[i].EndOffset() > pos
	})
	for ; i < len(d.chunks); i++ {
		c := d.chunks[i]
		if c.StartOffset <= pos && pos < c.EndOffset() {
			return i
		}
		if c.StartOffset > pos {
			break
		}
	}
	return -1
}

// reflowFrom recomputes start offsets of every chunk after idx.
func (d *ChunkedDocument) reflowFrom(idx int) {
	for i := idx + 1; i < len(d.chunks); i++ {
		d.chunks[i].StartOffset = d.chunks[i-1].EndOffset()
	}
}

func (d *ChunkedDocument) needsRebalance() bool {
	if len(d.chunks) <= 1 {
		return false
	}

	upper := float64(d.chunkSize) * oversizeFactor
	lower := float64(d.chunkSize) * undersizeFactor
	last := len(d.chunks) - 1

	for i, c := range d.chunks {
		if float64(c.Length) > upper {
			return true
		}
		// A short tail chunk is what re-chunking produces anyway.
		if i != last && float64(c.Length) < lower {
			return true
		}
	}
	return false
}

func (d *ChunkedDocument) rebalanceIfNeeded(now time.Time) error {
	if !d.needsRebalance() {
		return nil
	}

	snapshot := make([]*Chunk, len(d.chunks))
	for i, c := range d.chunks {
		cp := *c
		snapshot[i] = &cp
	}
	wasChunked, total := d.isChunked, d.totalLength

	d.setContentLocked(d.contentLocked(), now)

	if err := d.checkInvariantsLocked(); err != nil {
		d.chunks = snapshot
		d.isChunked, d.totalLength = wasChunked, total
		d.cacheValid = false
		log.Error("❌ Chunk rebalance failed, keeping previous layout", "file", d.filePath, "err", err)
		return apperrors.NewChunkRebalanceFailure(d.filePath, err)
	}

	log.Debug("Rebalanced chunks", "file", d.filePath, "chunks", len(d.chunks))
	return nil
}

// CheckInvariants verifies offset contiguity and the total length.
func (d *ChunkedDocument) CheckInvariants() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkInvariantsLocked()
}

func (d *ChunkedDocument) checkInvariantsLocked() error {
	offset := 0
	for i, c := range d.chunks {
		if c.StartOffset != offset {
			return fmt.Errorf("chunk %d (%s) starts at %d, want %d", i, c.ID, c.StartOffset, offset)
		}
		if n := runeLen(c.Content); n != c.Length {
			return fmt.Errorf("chunk %d (%s) has length %d but holds %d runes", i, c.ID, c.Length, n)
		}
		offset += c.Length
	}
	if offset != d.totalLength {
		return fmt.Errorf("chunks sum to %d, total length is %d", offset, d.totalLength)
	}
	return nil
}

// ChunkInfo is a read-only view of one chunk.
type ChunkInfo struct {
	ID           string    `json:"id"`
	Start        int       `json:"start"`
	End          int       `json:"end"`
	Length       int       `json:"length"`
	LastModified time.Time `json:"last_modified"`
}

func (c *Chunk) info() ChunkInfo {
	return ChunkInfo{
		ID:           c.ID,
		Start:        c.StartOffset,
		End:          c.EndOffset(),
		Length:       c.Length,
		LastModified: c.LastModified,
	}
}

// ChunkContaining returns the chunk holding pos.
func (d *ChunkedDocument) ChunkContaining(pos int) (ChunkInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idx := d.chunkIndexAt(pos)
	if idx < 0 {
		return ChunkInfo{}, false
	}
	return d.chunks[idx].info(), true
}

// Stats describes the current chunk layout.
type Stats struct {
	FilePath    string      `json:"file_path"`
	IsChunked   bool        `json:"is_chunked"`
	TotalLength int         `json:"total_length"`
	ChunkCount  int         `json:"chunk_count"`
	ChunkSize   int         `json:"chunk_size"`
	Chunks      []ChunkInfo `json:"chunks"`
}

func (d *ChunkedDocument) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]ChunkInfo, len(d.chunks))
	for i, c := range d.chunks {
		infos[i] = c.info()
	}
	return Stats{
		FilePath:    d.filePath,
		IsChunked:   d.isChunked,
		TotalLength: d.totalLength,
		ChunkCount:  len(d.chunks),
		ChunkSize:   d.chunkSize,
		Chunks:      infos,
	}
}

// ChunkUpdate carries one changed chunk to a client.
type ChunkUpdate struct {
	Content      string    `json:"content"`
	StartOffset  int       `json:"start_offset"`
	Length       int       `json:"length"`
	LastModified time.Time `json:"last_modified"`
}

// IncrementalUpdate is the chunk diff between a client's view and the document.
type IncrementalUpdate struct {
	ChangedChunks map[string]ChunkUpdate `json:"changed_chunks"`
	DeletedChunks []string               `json:"deleted_chunks"`
	TotalLength   int                    `json:"total_length"`
	IsChunked     bool                   `json:"is_chunked"`
}

// IncrementalUpdate compares chunk timestamps against what the client last
// acknowledged (chunk id -> last modified) and returns only the difference.
func (d *ChunkedDocument) IncrementalUpdate(known map[string]time.Time) IncrementalUpdate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	update := IncrementalUpdate{
		ChangedChunks: make(map[string]ChunkUpdate),
		DeletedChunks: []string{},
		TotalLength:   d.totalLength,
		IsChunked:     d.isChunked,
	}

	current := make(map[string]struct{}, len(d.chunks))
	for _, c := range d.chunks {
		current[c.ID] = struct{}{}
		seen, ok := known[c.ID]
		if ok && !c.LastModified.After(seen) {
			continue
		}
		update.ChangedChunks[c.ID] = ChunkUpdate{
			Content:      c.Content,
			StartOffset:  c.StartOffset,
			Length:       c.Length,
			LastModified: c.LastModified,
		}
	}

	for id := range known {
		if _, ok := current[id]; !ok {
			update.DeletedChunks = append(update.DeletedChunks, id)
		}
	}
	sort.Strings(update.DeletedChunks)

	return update
}

func (d *ChunkedDocument) TotalLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.totalLength
}

func (d *ChunkedDocument) IsChunked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isChunked
}

func (d *ChunkedDocument) ChunkCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.chunks)
}

// tick returns a timestamp strictly after the previous one, so two edits in
// the same clock tick still compare as ordered.
func (d *ChunkedDocument) tick() time.Time {
	now := d.clock()
	if !now.After(d.lastStamp) {
		now = d.lastStamp.Add(time.Nanosecond)
	}
	d.lastStamp = now
	return now
}

func (d *ChunkedDocument) logConversion() {
	log.Info("📦 Converted file to chunked format",
		"file", d.filePath,
		"size", humanize.Comma(int64(d.totalLength))+" chars",
		"chunks", len(d.chunks),
		"chunk_size", humanize.Comma(int64(d.chunkSize)),
	)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
