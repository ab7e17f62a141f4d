package ot

import "sync"

// Entry is one operation in a file's log.
type Entry struct {
	ClientID  string    `json:"client_id"`
	Operation Operation `json:"operation"`
}

// OperationQueue is the append-only operation log of a single file.
// The server version of the file is the length of the log.
//
// Callers must serialize TransformOperation and Add for the same file
// (transform, apply, append) so that "everything since my version" is
// well defined. The queue's own mutex only protects its slices.
type OperationQueue struct {
	mu       sync.RWMutex
	entries  []Entry
	versions map[string]int // clientID -> last server version seen by the client
}

// NewOperationQueue creates an empty log at version 0.
func NewOperationQueue() *OperationQueue {
	return &OperationQueue{
		versions: make(map[string]int),
	}
}

// Add appends an already-transformed operation and returns the new server version.
func (q *OperationQueue) Add(clientID string, op Operation) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, Entry{ClientID: clientID, Operation: op})
	version := len(q.entries)
	q.versions[clientID] = version
	return version
}

// Version returns the current server version.
func (q *OperationQueue) Version() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// ClientVersion returns the last server version handed to clientID.
func (q *OperationQueue) ClientVersion(clientID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.versions[clientID]
}

// OperationsSince returns a copy of every entry appended after version.
func (q *OperationQueue) OperationsSince(version int) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	version = clamp(version, 0, len(q.entries))
	out := make([]Entry, len(q.entries)-version)
	copy(out, q.entries[version:])
	return out
}

// TransformOperation transforms op, authored against clientVersion, through
// every entry appended after that version, in log order. Versions outside
// [0, Version()] are clamped, so replaying an acknowledged version only
// transforms against entries strictly after it.
func (q *OperationQueue) TransformOperation(op Operation, clientVersion int) Operation {
	for _, entry := range q.OperationsSince(clientVersion) {
		op, _ = Transform(op, entry.Operation)
	}
	return op
}
