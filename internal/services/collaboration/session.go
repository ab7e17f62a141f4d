package collaboration

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"collab-engine/internal/chunker"
	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/ot"
	"collab-engine/internal/pool"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE SESSION, MANY FILES

A Session is a room: users, their cursors, a chat log and any number of files.
Each file has its own lock, operation queue and history, so edits to different
files never wait on each other. The session-wide lock (mu) only guards users,
chat and ack bookkeeping.

Lock order is always file.mu -> Session.mu. Nothing takes a file lock while
holding Session.mu.

Outbound traffic takes one of two paths:
  - publish: edits, cursors and chat fan out through the session's connection
    pool (topic based, asynchronous)
  - broadcast/Reply: presence events and replies go straight to each user's
    connection, which lets us count send failures per user
*/

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultMaxSendFailures   = 3

	ackRetention = 5 * time.Minute
)

// SessionOptions tunes a Session. Zero values select the defaults.
type SessionOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxSendFailures   int
	ChunkSize         int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.MaxSendFailures <= 0 {
		o.MaxSendFailures = DefaultMaxSendFailures
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunker.DefaultChunkSize
	}
	return o
}

// Broadcaster is the part of a connection pool a session publishes through.
type Broadcaster interface {
	ID() string
	Broadcast(msg []byte, topic, exclude string)
}

func editsTopic(sessionID string) string   { return "session:" + sessionID + ":edits" }
func cursorsTopic(sessionID string) string { return "session:" + sessionID + ":cursors" }
func chatTopic(sessionID string) string    { return "session:" + sessionID + ":chat" }

// SessionTopics lists the pool topics every session member subscribes to.
func SessionTopics(sessionID string) []string {
	return []string{editsTopic(sessionID), cursorsTopic(sessionID), chatTopic(sessionID)}
}

type fileState struct {
	mu      sync.Mutex
	path    string
	content string                   // authoritative while doc is nil
	doc     *chunker.ChunkedDocument // set once the file outgrows one chunk
	queue   *ot.OperationQueue
	history []models.HistoryEntry
	known   map[string]map[string]time.Time // clientID -> chunk id -> last modified sent
}

func (f *fileState) text() string {
	if f.doc != nil {
		return f.doc.Content()
	}
	return f.content
}

type pendingAck struct {
	sentAt  time.Time
	waiting map[string]struct{}
}

// Session is one collaboration room.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	opts SessionOptions
	now  func() time.Time

	mu          sync.RWMutex
	users       map[string]*User
	chat        []models.ChatMessage
	acks        map[string]*pendingAck
	pool        Broadcaster
	aiContextID string
	lastActive  time.Time // last join, leave, disconnect or message

	filesMu sync.Mutex
	files   map[string]*fileState
	chunks  *chunker.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(id, name string, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	if name == "" {
		name = "Session " + id
	}
	created := time.Now()
	return &Session{
		ID:         id,
		Name:       name,
		CreatedAt:  created,
		opts:       opts,
		now:        time.Now,
		users:      make(map[string]*User),
		acks:       make(map[string]*pendingAck),
		lastActive: created,
		files:      make(map[string]*fileState),
		chunks:     chunker.NewManager(opts.ChunkSize),
	}
}

// Start runs the heartbeat checker until ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckHeartbeats(s.now())
			}
		}
	}()
}

func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// AttachPool routes edits, cursors and chat through p. A nil pool falls back to direct sends.
func (s *Session) AttachPool(p Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = p
}

func (s *Session) Pool() Broadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

func (s *Session) SetAIContextID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aiContextID = id
}

func (s *Session) AIContextID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aiContextID
}

// AddUser registers a new member, sends them the session snapshot and
// announces them to everyone else.
func (s *Session) AddUser(clientID, username string, conn pool.Conn) *User {
	defer telemetry.Observe("session.add_user", time.Now())

	s.mu.Lock()
	now := s.now()
	u := newUser(clientID, username, conn, now)
	s.users[clientID] = u
	s.touchLocked(now)
	count := len(s.users)
	s.mu.Unlock()

	log.Info("✓ User joined session", "session", s.ID, "client", clientID, "username", username, "users", count)

	s.sendState(clientID, false)
	s.Broadcast(models.UserEvent{Type: models.MessageTypeUserJoined, ClientID: clientID, Username: username}, clientID)
	return u
}

// RemoveUser drops a member and everything tracked for them.
func (s *Session) RemoveUser(clientID string) bool {
	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.users, clientID)
	count := len(s.users)
	s.touchLocked(s.now())
	s.mu.Unlock()

	for _, f := range s.fileStates() {
		f.mu.Lock()
		delete(f.known, clientID)
		f.mu.Unlock()
	}

	log.Info("  User left session", "session", s.ID, "client", clientID, "users", count)
	s.Broadcast(models.UserEvent{Type: models.MessageTypeUserLeft, ClientID: clientID, Username: u.Username}, "")
	return true
}

// HandleReconnection swaps in a new connection for a known client and resends
// the snapshot. It returns false when the client is not part of the session.
func (s *Session) HandleReconnection(clientID string, conn pool.Conn) bool {
	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	u.conn = conn
	u.active = true
	u.lastHeartbeat = now
	u.sendFailures = 0
	s.touchLocked(now)
	u.backoff.Reset()
	username := u.Username
	s.mu.Unlock()

	log.Info("✓ User reconnected", "session", s.ID, "client", clientID)

	s.sendState(clientID, true)
	s.Broadcast(models.UserEvent{Type: models.MessageTypeUserActive, ClientID: clientID, Username: username}, clientID)
	return true
}

// MarkDisconnected flags a client whose socket closed without a leave.
// Its state is kept so it can reconnect. A socket the client has already
// replaced by reconnecting is ignored; it reports whether conn was current.
func (s *Session) MarkDisconnected(clientID string, conn pool.Conn) bool {
	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok || u.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.touchLocked(s.now())
	wasActive := u.active
	u.active = false
	username := u.Username
	s.mu.Unlock()

	if wasActive {
		s.Broadcast(models.UserEvent{Type: models.MessageTypeUserInactive, ClientID: clientID, Username: username}, "")
	}
	return true
}

// HandleHeartbeat refreshes a client's liveness, reactivating it if needed.
func (s *Session) HandleHeartbeat(clientID string) error {
	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewUnknownClient(clientID)
	}
	u.lastHeartbeat = s.now()
	s.touchLocked(u.lastHeartbeat)
	s.mu.Unlock()

	s.setActive(clientID, true)
	return nil
}

// CheckHeartbeats marks users silent for longer than the heartbeat timeout
// as inactive and returns how many changed.
func (s *Session) CheckHeartbeats(now time.Time) int {
	s.mu.Lock()
	var stale []*User
	for _, u := range s.users {
		if u.active && now.Sub(u.lastHeartbeat) > s.opts.HeartbeatTimeout {
			u.active = false
			stale = append(stale, u)
		}
	}
	for id, pending := range s.acks {
		if now.Sub(pending.sentAt) > ackRetention {
			delete(s.acks, id)
		}
	}
	s.mu.Unlock()

	for _, u := range stale {
		log.Warn("⚠️  User missed heartbeats, marking inactive", "session", s.ID, "client", u.ClientID)
		s.Broadcast(models.UserEvent{Type: models.MessageTypeUserInactive, ClientID: u.ClientID, Username: u.Username}, "")
	}
	return len(stale)
}

// ReconnectInterval returns the next backoff delay a client should wait
// before reconnecting. Unknown clients get the initial delay.
func (s *Session) ReconnectInterval(clientID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[clientID]
	if !ok {
		return time.Second
	}
	return u.backoff.NextBackOff()
}

// HandleEdit transforms op against everything the client has not seen,
// applies it, records it and fans it out. The sender gets an ack.
func (s *Session) HandleEdit(ctx context.Context, clientID string, req models.EditRequest) error {
	defer telemetry.Observe("session.handle_edit", time.Now())

	ctx, span := middleware.StartSpan(ctx, "Session.HandleEdit",
		attribute.String("session.id", s.ID),
		attribute.String("client.id", clientID),
		attribute.String("file.path", req.FilePath),
		attribute.Int("client.version", req.Version),
	)
	defer span.End()

	username, ok := s.username(clientID)
	if !ok {
		err := apperrors.NewUnknownClient(clientID)
		middleware.AddSpanError(ctx, err)
		return err
	}
	if req.FilePath == "" {
		return apperrors.NewMalformedMessage("edit requires file_path", nil)
	}
	op, err := ot.Decode(req.Operation)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	f := s.file(req.FilePath)
	f.mu.Lock()
	defer f.mu.Unlock()

	transformed := f.queue.TransformOperation(op, req.Version)

	tracked := s.hasCursors(req.FilePath)
	var before string
	if tracked {
		before = f.text()
	}

	if err := s.applyLocked(f, transformed); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	version := f.queue.Add(clientID, transformed)
	f.history = append(f.history, models.HistoryEntry{
		Timestamp:         s.now(),
		ClientID:          clientID,
		Username:          username,
		Operation:         transformed,
		OriginalOperation: append(json.RawMessage(nil), req.Operation...),
		ServerVersion:     version,
	})

	s.mu.Lock()
	if u, ok := s.users[clientID]; ok {
		u.version = version
	}
	if tracked {
		after := f.text()
		for _, u := range s.users {
			if pos, ok := u.cursors[req.FilePath]; ok {
				u.cursors[req.FilePath] = reprojectCursor(pos, transformed, before, after)
			}
		}
	}
	s.mu.Unlock()

	telemetry.RecordEditApplied()
	middleware.AddSpanEvent(ctx, "edit.applied",
		attribute.String("operation", transformed.String()),
		attribute.Int("server.version", version),
	)

	s.publish(editsTopic(s.ID), models.EditBroadcast{
		Type:          models.MessageTypeEdit,
		FilePath:      req.FilePath,
		Operation:     transformed,
		ClientID:      clientID,
		Username:      username,
		ServerVersion: version,
	}, clientID)

	ack := models.Ack{
		Type:          models.MessageTypeAck,
		FilePath:      req.FilePath,
		ClientVersion: req.Version,
		ServerVersion: version,
	}
	if f.doc != nil {
		update := f.doc.IncrementalUpdate(f.known[clientID])
		ack.Chunks = &update
		f.rememberChunks(clientID, update)
	}
	s.Reply(clientID, ack)
	return nil
}

// applyLocked mutates the file. A failed rebalance leaves the document in its
// last consistent layout with the edit applied, so it is not reported upward.
func (s *Session) applyLocked(f *fileState, op ot.Operation) error {
	if f.doc != nil {
		err := f.doc.ApplyOperation(op)
		if err != nil && !apperrors.Is(err, apperrors.ErrChunkRebalanceFailure) {
			return err
		}
		return nil
	}

	f.content = ot.Apply(f.content, op)
	s.chunkIfLargeLocked(f)
	return nil
}

func (s *Session) chunkIfLargeLocked(f *fileState) {
	if f.doc != nil || utf8.RuneCountInString(f.content) <= s.chunks.ChunkSize() {
		return
	}
	f.doc = s.chunks.Document(f.path)
	f.doc.SetContent(f.content)
	f.content = ""
	f.known = make(map[string]map[string]time.Time)
}

func (f *fileState) rememberChunks(clientID string, update chunker.IncrementalUpdate) {
	known := f.known[clientID]
	if known == nil {
		known = make(map[string]time.Time)
		f.known[clientID] = known
	}
	for id, c := range update.ChangedChunks {
		known[id] = c.LastModified
	}
	for _, id := range update.DeletedChunks {
		delete(known, id)
	}
}

// HandleCursorMove stores the cursor and shows it to everyone else.
func (s *Session) HandleCursorMove(clientID string, req models.CursorMoveRequest) error {
	if req.FilePath == "" {
		return apperrors.NewMalformedMessage("cursor_move requires file_path", nil)
	}

	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewUnknownClient(clientID)
	}
	u.cursors[req.FilePath] = req.Position
	username := u.Username
	s.mu.Unlock()

	s.publish(cursorsTopic(s.ID), models.CursorBroadcast{
		Type:     models.MessageTypeCursor,
		FilePath: req.FilePath,
		Position: req.Position,
		ClientID: clientID,
		Username: username,
	}, clientID)
	return nil
}

// HandleChatMessage appends to the chat log and relays to everyone else.
func (s *Session) HandleChatMessage(clientID, text string) error {
	if text == "" {
		return apperrors.NewMalformedMessage("chat message is empty", nil)
	}

	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewUnknownClient(clientID)
	}
	msg := models.ChatMessage{
		Timestamp: s.now(),
		ClientID:  clientID,
		Username:  u.Username,
		Message:   text,
	}
	s.chat = append(s.chat, msg)
	s.mu.Unlock()

	s.publish(chatTopic(s.ID), models.ChatBroadcast{Type: models.MessageTypeChat, Message: msg}, clientID)
	return nil
}

// HandleMessageAck records that clientID received messageID. The entry is
// dropped once every recipient still active has acknowledged it.
func (s *Session) HandleMessageAck(clientID, messageID string) error {
	if messageID == "" {
		return apperrors.NewMalformedMessage("message_ack requires message_id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[clientID]; !ok {
		return apperrors.NewUnknownClient(clientID)
	}
	pending, ok := s.acks[messageID]
	if !ok {
		return nil
	}
	delete(pending.waiting, clientID)
	for id := range pending.waiting {
		if u, ok := s.users[id]; !ok || !u.active {
			delete(pending.waiting, id)
		}
	}
	if len(pending.waiting) == 0 {
		delete(s.acks, messageID)
	}
	return nil
}

// PendingAcks is the number of broadcasts still waiting on acknowledgements.
func (s *Session) PendingAcks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.acks)
}

// OpenFile seeds a file the session does not know yet. Known files are left
// alone so a late opener cannot clobber concurrent edits.
func (s *Session) OpenFile(filePath, content string) bool {
	s.filesMu.Lock()
	if _, ok := s.files[filePath]; ok {
		s.filesMu.Unlock()
		return false
	}
	f := newFileState(filePath)
	s.files[filePath] = f
	f.mu.Lock()
	s.filesMu.Unlock()
	defer f.mu.Unlock()

	f.content = content
	s.chunkIfLargeLocked(f)
	log.Debug("Opened file", "session", s.ID, "file", filePath, "chunked", f.doc != nil)
	return true
}

func (s *Session) FileContent(filePath string) (string, bool) {
	f, ok := s.lookupFile(filePath)
	if !ok {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text(), true
}

func (s *Session) FileVersion(filePath string) int {
	f, ok := s.lookupFile(filePath)
	if !ok {
		return 0
	}
	return f.queue.Version()
}

// FileHistory returns a copy of every edit applied to filePath, oldest first.
func (s *Session) FileHistory(filePath string) []models.HistoryEntry {
	f, ok := s.lookupFile(filePath)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.HistoryEntry(nil), f.history...)
}

// ChunkStats reports the layout of every chunked file.
func (s *Session) ChunkStats() []chunker.Stats {
	return s.chunks.Stats()
}

func (s *Session) Cursor(clientID, filePath string) (models.CursorPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[clientID]
	if !ok {
		return models.CursorPosition{}, false
	}
	pos, ok := u.cursors[filePath]
	return pos, ok
}

func (s *Session) User(clientID string) (models.UserInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[clientID]
	if !ok {
		return models.UserInfo{}, false
	}
	return u.info(), true
}

// IsEmpty reports whether no member is active. Inactive members may still
// reconnect, but they do not keep the session alive.
func (s *Session) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.active {
			return false
		}
	}
	return true
}

// LastActive is when a member last joined, left, disconnected or sent anything.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) touchLocked(now time.Time) {
	if now.After(s.lastActive) {
		s.lastActive = now
	}
}

func (s *Session) ActiveUserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.active {
			n++
		}
	}
	return n
}

func (s *Session) Info() models.SessionInfo {
	files := s.fileStates()
	chunked := 0
	for _, f := range files {
		f.mu.Lock()
		if f.doc != nil {
			chunked++
		}
		f.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info := models.SessionInfo{
		SessionID:    s.ID,
		Name:         s.Name,
		CreatedAt:    s.CreatedAt,
		UserCount:    len(s.users),
		FileCount:    len(files),
		ChunkedFiles: chunked,
		AIContextID:  s.aiContextID,
	}
	for _, u := range s.users {
		if u.active {
			info.ActiveUsers++
		}
	}
	if s.pool != nil {
		info.PoolID = s.pool.ID()
	}
	return info
}

// Snapshot is the full session_state message for one client.
func (s *Session) Snapshot(reconnected bool) models.SessionState {
	files := make(map[string]string)
	for _, f := range s.fileStates() {
		f.mu.Lock()
		files[f.path] = f.text()
		f.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state := models.SessionState{
		Type:        models.MessageTypeSessionState,
		SessionID:   s.ID,
		SessionName: s.Name,
		Users:       make(map[string]models.UserInfo, len(s.users)),
		Files:       files,
		Cursors:     make(map[string]map[string]models.CursorPosition),
		ChatHistory: append([]models.ChatMessage{}, s.chat...),
		Reconnected: reconnected,
	}
	for id, u := range s.users {
		state.Users[id] = u.info()
		for path, pos := range u.cursors {
			if state.Cursors[path] == nil {
				state.Cursors[path] = make(map[string]models.CursorPosition)
			}
			state.Cursors[path][id] = pos
		}
	}
	return state
}

func (s *Session) sendState(clientID string, reconnected bool) {
	s.Reply(clientID, s.Snapshot(reconnected))
}

// SendError reports err to the client that caused it.
func (s *Session) SendError(clientID string, err error) {
	s.Reply(clientID, models.ErrorReply{
		Type:  models.MessageTypeError,
		Error: err.Error(),
		Code:  string(apperrors.CodeOf(err)),
	})
}

// Reply sends payload to a single client.
func (s *Session) Reply(clientID string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("❌ Failed to encode reply", "session", s.ID, "err", err)
		return false
	}

	s.mu.RLock()
	u, ok := s.users[clientID]
	var conn pool.Conn
	if ok {
		conn = u.conn
	}
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.sendTo(clientID, conn, raw)
}

// Broadcast stamps payload with a message_id and sends it to every active
// user except exclude. It returns the message id.
func (s *Session) Broadcast(payload any, exclude string) string {
	raw, id, err := stamp(payload)
	if err != nil {
		log.Error("❌ Failed to encode broadcast", "session", s.ID, "err", err)
		return ""
	}

	type target struct {
		clientID string
		conn     pool.Conn
	}
	s.mu.Lock()
	var targets []target
	for clientID, u := range s.users {
		if clientID == exclude || !u.active {
			continue
		}
		targets = append(targets, target{clientID, u.conn})
	}
	trackAck(s.acks, id, s.now(), targets, func(t target) string { return t.clientID })
	s.mu.Unlock()

	for _, t := range targets {
		s.sendTo(t.clientID, t.conn, raw)
	}
	return id
}

// publish fans payload out on a pool topic, or directly when no pool is attached.
func (s *Session) publish(topic string, payload any, exclude string) {
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		s.Broadcast(payload, exclude)
		return
	}

	raw, id, err := stamp(payload)
	if err != nil {
		s.mu.Unlock()
		log.Error("❌ Failed to encode broadcast", "session", s.ID, "err", err)
		return
	}
	var recipients []string
	for clientID, u := range s.users {
		if clientID != exclude && u.active {
			recipients = append(recipients, clientID)
		}
	}
	trackAck(s.acks, id, s.now(), recipients, func(c string) string { return c })
	s.mu.Unlock()

	p.Broadcast(raw, topic, exclude)
}

func trackAck[T any](acks map[string]*pendingAck, id string, now time.Time, items []T, key func(T) string) {
	if len(items) == 0 {
		return
	}
	pending := &pendingAck{sentAt: now, waiting: make(map[string]struct{}, len(items))}
	for _, it := range items {
		pending.waiting[key(it)] = struct{}{}
	}
	acks[id] = pending
}

func (s *Session) sendTo(clientID string, conn pool.Conn, raw []byte) bool {
	err := conn.Send(raw)
	if err != nil {
		telemetry.RecordSendFailure("direct")
		log.Warn("⚠️  Send failed", "session", s.ID, "client", clientID, "err", err)
	}
	s.recordSend(clientID, err)
	return err == nil
}

// recordSend updates the failure counter. Enough consecutive failures mark
// the user inactive; any success marks it active again.
func (s *Session) recordSend(clientID string, err error) {
	if err == nil {
		s.setActive(clientID, true)
		return
	}

	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	u.sendFailures++
	tripped := u.sendFailures >= s.opts.MaxSendFailures && u.active
	s.mu.Unlock()

	if tripped {
		log.Warn("⚠️  Too many send failures, marking user inactive", "session", s.ID, "client", clientID)
		s.setActive(clientID, false)
	}
}

// setActive flips a user's state and announces the change exactly once.
func (s *Session) setActive(clientID string, active bool) {
	s.mu.Lock()
	u, ok := s.users[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if active {
		u.sendFailures = 0
	}
	if u.active == active {
		s.mu.Unlock()
		return
	}
	u.active = active
	username := u.Username
	s.mu.Unlock()

	event := models.UserEvent{Type: models.MessageTypeUserInactive, ClientID: clientID, Username: username}
	exclude := ""
	if active {
		event.Type = models.MessageTypeUserActive
		exclude = clientID
	}
	s.Broadcast(event, exclude)
}

func (s *Session) username(clientID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[clientID]
	if !ok {
		return "", false
	}
	return u.Username, true
}

func (s *Session) hasCursors(filePath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if _, ok := u.cursors[filePath]; ok {
			return true
		}
	}
	return false
}

func newFileState(path string) *fileState {
	return &fileState{
		path:  path,
		queue: ot.NewOperationQueue(),
		known: make(map[string]map[string]time.Time),
	}
}

// file returns the state for filePath, creating an empty file on first use.
func (s *Session) file(filePath string) *fileState {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	f, ok := s.files[filePath]
	if !ok {
		f = newFileState(filePath)
		s.files[filePath] = f
	}
	return f
}

func (s *Session) lookupFile(filePath string) (*fileState, bool) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	f, ok := s.files[filePath]
	return f, ok
}

func (s *Session) fileStates() []*fileState {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]*fileState, len(paths))
	for i, p := range paths {
		out[i] = s.files[p]
	}
	return out
}

// stamp encodes payload and adds a fresh message_id for acknowledgement.
func stamp(payload any) ([]byte, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	id := ksuid.New().String()
	raw, err = sjson.SetBytes(raw, "message_id", id)
	if err != nil {
		return nil, "", err
	}
	return raw, id, nil
}
