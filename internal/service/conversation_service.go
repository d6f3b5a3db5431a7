package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/codec"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/ids"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/realtime"
)

const (
	conversationStateKey = "conversation:"
	persistTimeout       = 5 * time.Second
)

var (
	errNoActiveRoom = errors.New("Select a room before sending a message")
	errEmptyEdit    = errors.New("Message content cannot be empty")
)

// ConversationGateway is the part of the remote gateway the conversation uses.
type ConversationGateway interface {
	Configured() bool
	FetchMessages(ctx context.Context, roomID string) ([]dto.MessageRecord, error)
	SendMessage(ctx context.Context, req dto.SendMessageRequest) error
	EditMessage(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	ResolveDirectRoom(ctx context.Context, peerUserID string) (string, error)
	ResolveDefaultRoom(ctx context.Context) (string, error)
	FetchReadReceipts(ctx context.Context, messageIDs []string) ([]dto.ReadRecord, error)
	UpsertReadReceipts(ctx context.Context, userID string, messageIDs []string) error
	MarkRoomRead(ctx context.Context, roomID string) error
}

// ConversationStore persists client state between runs.
type ConversationStore interface {
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	Save(ctx context.Context, key string, value interface{}) error
}

// MessageFeed opens the realtime feeds the conversation consumes.
type MessageFeed interface {
	SubscribeMessages(ctx context.Context, rooms realtime.RoomSource, sink realtime.Sink) (func(), error)
	SubscribeReadReceipts(ctx context.Context, sink realtime.Sink) (func(), error)
}

// RoomTarget names a room to select: the shared room or the direct room with a peer.
type RoomTarget struct {
	Peer *dto.User
}

// DefaultRoom targets the shared room.
func DefaultRoom() RoomTarget {
	return RoomTarget{}
}

// PeerRoom targets the direct room with peer.
func PeerRoom(peer dto.User) RoomTarget {
	return RoomTarget{Peer: &peer}
}

// ConversationService owns the active room, its messages and the unread and
// read-receipt bookkeeping. Commands never return gateway failures; they are
// recorded as a scoped error in the snapshot.
type ConversationService interface {
	InitDefaultRoom(ctx context.Context, force bool)
	SelectRoom(ctx context.Context, target RoomTarget)
	LoadMessages(ctx context.Context)
	SetInput(text string)
	Send(ctx context.Context, text string)
	Edit(ctx context.Context, id, content string)
	Delete(ctx context.Context, id string)
	MarkRead(ctx context.Context, messageIDs []string)
	MarkRoomRead(ctx context.Context)
	FetchReadReceipts(ctx context.Context)
	ClearUnread(roomID string)
	UnreadForPeer(peerID string) int
	SubscribeToAllMessages(ctx context.Context) error
	SubscribeToReadReceipts(ctx context.Context) error
	Apply(evt realtime.Event)
	Restore(ctx context.Context, identity backend.Identity) bool
	Reset()
	ActiveRoomID() string
	LocalUserID() string
	Snapshot() dto.ConversationSnapshot
	Subscribe() (<-chan dto.ConversationSnapshot, func())
}

type conversationState struct {
	roomID          string
	defaultRoomID   string
	selectedPeer    *dto.User
	messages        []dto.ChatMessage
	input           string
	unread          map[string]int
	directRooms     map[string]string
	receipts        map[string]map[string]struct{}
	loadingRoom     bool
	loadingMessages bool
	err             string
	errScope        string
}

func newConversationState() conversationState {
	return conversationState{
		messages:    []dto.ChatMessage{},
		unread:      make(map[string]int),
		directRooms: make(map[string]string),
		receipts:    make(map[string]map[string]struct{}),
	}
}

type persistedConversation struct {
	RoomID        string            `json:"room_id"`
	DefaultRoomID string            `json:"default_room_id,omitempty"`
	SelectedPeer  *dto.User         `json:"selected_peer,omitempty"`
	UnreadCounts  map[string]int    `json:"unread_counts"`
	DirectRooms   map[string]string `json:"direct_rooms"`
}

type conversationService struct {
	gateway ConversationGateway
	feed    MessageFeed
	store   ConversationStore
	logger  zerolog.Logger
	now     func() time.Time
	broker  *snapshotBroker[dto.ConversationSnapshot]

	mu        sync.Mutex
	state     conversationState
	identity  *backend.Identity
	selectSeq uint64
	loadSeq   uint64
	teardowns map[string]func()

	persistMu sync.Mutex
}

// NewConversationService constructs the conversation state container. feed
// and store may be nil.
func NewConversationService(gw ConversationGateway, feed MessageFeed, store ConversationStore, logger zerolog.Logger) ConversationService {
	return &conversationService{
		gateway:   gw,
		feed:      feed,
		store:     store,
		logger:    logger.With().Str("component", "conversation_service").Logger(),
		now:       time.Now,
		broker:    newSnapshotBroker[dto.ConversationSnapshot](),
		state:     newConversationState(),
		teardowns: make(map[string]func()),
	}
}

// Restore binds the local user and reloads persisted state. It reports
// whether an active room was restored, in which case the default room does
// not need to be initialised.
func (s *conversationService) Restore(ctx context.Context, identity backend.Identity) bool {
	s.mu.Lock()
	bound := identity
	s.identity = &bound
	s.mu.Unlock()

	if s.store == nil || identity.ID == "" {
		return false
	}

	var saved persistedConversation
	found, err := s.store.Load(ctx, conversationStateKey+identity.ID, &saved)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.ID).Msg("failed to load conversation state")
		return false
	}
	if !found {
		return false
	}

	s.mu.Lock()
	for room, count := range saved.UnreadCounts {
		if count > 0 {
			s.state.unread[room] = count
		}
	}
	for peer, room := range saved.DirectRooms {
		s.state.directRooms[peer] = room
	}
	s.state.defaultRoomID = saved.DefaultRoomID
	restored := saved.RoomID != ""
	if restored {
		s.state.roomID = saved.RoomID
		s.state.selectedPeer = saved.SelectedPeer
		delete(s.state.unread, saved.RoomID)
	}
	s.mu.Unlock()
	s.notify()

	if restored {
		s.logger.Debug().Str("room_id", saved.RoomID).Msg("restored conversation state")
		s.LoadMessages(ctx)
	}
	return restored
}

// InitDefaultRoom selects the shared room. Without force it does nothing
// when a room is already active.
func (s *conversationService) InitDefaultRoom(ctx context.Context, force bool) {
	if !force && s.ActiveRoomID() != "" {
		return
	}
	s.selectRoom(ctx, DefaultRoom(), force)
}

func (s *conversationService) SelectRoom(ctx context.Context, target RoomTarget) {
	s.selectRoom(ctx, target, false)
}

func (s *conversationService) selectRoom(ctx context.Context, target RoomTarget, force bool) {
	if !s.configured() {
		return
	}

	s.mu.Lock()
	if !force && s.isActiveLocked(target) {
		s.mu.Unlock()
		return
	}
	known := s.knownRoomLocked(target)
	if known != "" {
		delete(s.state.unread, known)
	}
	s.selectSeq++
	seq := s.selectSeq
	s.state.loadingRoom = true
	s.clearErrorLocked()
	s.mu.Unlock()
	s.notify()

	roomID := known
	var err error
	if roomID == "" {
		if target.Peer != nil {
			roomID, err = s.gateway.ResolveDirectRoom(ctx, target.Peer.ID)
		} else {
			roomID, err = s.gateway.ResolveDefaultRoom(ctx)
		}
	}

	s.mu.Lock()
	if seq != s.selectSeq {
		s.mu.Unlock()
		return
	}
	s.state.loadingRoom = false
	if err != nil {
		s.state.roomID = ""
		s.state.selectedPeer = nil
		s.state.loadingMessages = false
		s.state.messages = []dto.ChatMessage{}
		s.failLocked(dto.ScopeRoom, err)
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("failed to resolve room")
		s.notify()
		s.persist()
		return
	}

	s.state.roomID = roomID
	if target.Peer != nil {
		peer := *target.Peer
		s.state.selectedPeer = &peer
		s.state.directRooms[peer.ID] = roomID
	} else {
		s.state.selectedPeer = nil
		s.state.defaultRoomID = roomID
	}
	delete(s.state.unread, roomID)
	s.state.messages = []dto.ChatMessage{}
	s.state.receipts = make(map[string]map[string]struct{})
	s.mu.Unlock()
	s.notify()
	s.persist()

	s.LoadMessages(ctx)
}

// LoadMessages replaces the message list with the active room's messages.
// A response for a room that is no longer active is discarded.
func (s *conversationService) LoadMessages(ctx context.Context) {
	if !s.configured() {
		return
	}

	s.mu.Lock()
	room := s.state.roomID
	if room == "" {
		s.mu.Unlock()
		return
	}
	s.loadSeq++
	seq := s.loadSeq
	s.state.loadingMessages = true
	s.mu.Unlock()
	s.notify()

	records, err := s.gateway.FetchMessages(ctx, room)

	s.mu.Lock()
	if s.state.roomID != room {
		// A newer load owns the flag; otherwise nothing will clear it.
		cleared := seq == s.loadSeq && s.state.loadingMessages
		if cleared {
			s.state.loadingMessages = false
		}
		s.mu.Unlock()
		s.logger.Debug().Str("room_id", room).Msg("discarding stale message load")
		if cleared {
			s.notify()
		}
		return
	}
	s.state.loadingMessages = false
	if err != nil {
		s.failLocked(dto.ScopeRoom, err)
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("room_id", room).Msg("failed to load messages")
		s.notify()
		return
	}
	s.state.messages = codec.NormalizeInboundMessages(records)
	s.mu.Unlock()
	s.notify()

	s.FetchReadReceipts(ctx)
}

func (s *conversationService) SetInput(text string) {
	s.mu.Lock()
	s.state.input = text
	s.mu.Unlock()
	s.notify()
}

// Send appends an optimistic message, then writes it remotely under the same
// id. On failure the message is removed and the input restored.
func (s *conversationService) Send(ctx context.Context, text string) {
	if !s.configured() {
		return
	}

	content := codec.ExtractPlainText(text)

	s.mu.Lock()
	if content == "" {
		s.state.input = ""
		s.mu.Unlock()
		s.notify()
		return
	}
	room := s.state.roomID
	if room == "" {
		s.failLocked(dto.ScopeSend, errNoActiveRoom)
		s.mu.Unlock()
		s.notify()
		return
	}

	identity := backend.Identity{}
	if s.identity != nil {
		identity = *s.identity
	}
	message := dto.ChatMessage{
		ID:                ids.NewClientID(),
		Content:           content,
		AuthorDisplayName: identity.DisplayName(),
		AuthorAvatarURL:   identity.AvatarURL(),
		CreatedAt:         s.now().UTC(),
		IsOptimistic:      true,
	}
	if identity.ID != "" {
		userID := identity.ID
		message.AuthorUserID = &userID
	}
	if s.indexLocked(message.ID) < 0 {
		s.state.messages = append(s.state.messages, message)
	}
	s.state.input = ""
	s.clearErrorLocked()
	s.mu.Unlock()
	s.notify()

	err := s.gateway.SendMessage(ctx, dto.SendMessageRequest{
		ID:       message.ID,
		RoomID:   room,
		UserID:   message.AuthorUserID,
		Username: message.AuthorDisplayName,
		Content:  content,
	})
	if err == nil {
		return
	}

	s.mu.Lock()
	if idx := s.indexLocked(message.ID); idx >= 0 {
		s.state.messages = append(s.state.messages[:idx], s.state.messages[idx+1:]...)
	}
	s.state.input = text
	s.failLocked(dto.ScopeSend, err)
	s.mu.Unlock()

	observability.OptimisticRollbacks().WithLabelValues("send").Inc()
	s.logger.Warn().Err(err).Str("message_id", message.ID).Msg("send failed, optimistic message reverted")
	s.notify()
}

// Edit replaces a message's content locally, then remotely. On failure the
// whole list snapshot taken before the edit is restored.
func (s *conversationService) Edit(ctx context.Context, id, content string) {
	if !s.configured() {
		return
	}

	text := codec.ExtractPlainText(content)

	s.mu.Lock()
	if text == "" {
		s.failLocked(dto.ScopeMessage, errEmptyEdit)
		s.mu.Unlock()
		s.notify()
		return
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	room := s.state.roomID
	snapshot := cloneMessages(s.state.messages)
	s.state.messages[idx].Content = text
	s.clearErrorLocked()
	s.mu.Unlock()
	s.notify()

	if err := s.gateway.EditMessage(ctx, id, text); err != nil {
		s.rollback("edit", room, snapshot, err)
	}
}

// Delete removes a message locally, then remotely. On failure the list
// snapshot taken before the delete is restored.
func (s *conversationService) Delete(ctx context.Context, id string) {
	if !s.configured() {
		return
	}

	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	room := s.state.roomID
	snapshot := cloneMessages(s.state.messages)
	s.state.messages = append(s.state.messages[:idx:idx], s.state.messages[idx+1:]...)
	s.clearErrorLocked()
	s.mu.Unlock()
	s.notify()

	if err := s.gateway.DeleteMessage(ctx, id); err != nil {
		s.rollback("delete", room, snapshot, err)
	}
}

func (s *conversationService) rollback(op, room string, snapshot []dto.ChatMessage, err error) {
	s.mu.Lock()
	if s.state.roomID == room {
		s.state.messages = snapshot
	}
	s.failLocked(dto.ScopeMessage, err)
	s.mu.Unlock()

	observability.OptimisticRollbacks().WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Str("operation", op).Msg("message change failed, list restored")
	s.notify()
}

// MarkRead records the local user as a reader of messageIDs. Failures are
// logged only.
func (s *conversationService) MarkRead(ctx context.Context, messageIDs []string) {
	if !s.gateway.Configured() {
		return
	}

	s.mu.Lock()
	me := s.localUserIDLocked()
	if me == "" {
		s.mu.Unlock()
		return
	}
	pending := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		readers := s.state.receipts[id]
		if _, seen := readers[me]; seen {
			continue
		}
		if readers == nil {
			readers = make(map[string]struct{})
			s.state.receipts[id] = readers
		}
		readers[me] = struct{}{}
		pending = append(pending, id)
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	s.notify()

	if err := s.gateway.UpsertReadReceipts(ctx, me, pending); err != nil {
		s.logger.Warn().Err(err).Int("count", len(pending)).Msg("failed to record read receipts")
	}
}

// MarkRoomRead clears the active room's unread counter and marks its messages
// read remotely. Remote failures are logged only.
func (s *conversationService) MarkRoomRead(ctx context.Context) {
	if !s.gateway.Configured() {
		return
	}

	room := s.ActiveRoomID()
	if room == "" {
		return
	}
	s.ClearUnread(room)

	if err := s.gateway.MarkRoomRead(ctx, room); err != nil {
		s.logger.Warn().Err(err).Str("room_id", room).Msg("failed to mark room read")
	}
}

// FetchReadReceipts replaces the read markers of the loaded messages.
func (s *conversationService) FetchReadReceipts(ctx context.Context) {
	if !s.gateway.Configured() {
		return
	}

	s.mu.Lock()
	room := s.state.roomID
	messageIDs := make([]string, 0, len(s.state.messages))
	for _, message := range s.state.messages {
		if !message.IsOptimistic {
			messageIDs = append(messageIDs, message.ID)
		}
	}
	s.mu.Unlock()
	if len(messageIDs) == 0 {
		return
	}

	records, err := s.gateway.FetchReadReceipts(ctx, messageIDs)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", room).Msg("failed to fetch read receipts")
		return
	}

	s.mu.Lock()
	if s.state.roomID != room {
		s.mu.Unlock()
		return
	}
	for _, id := range messageIDs {
		delete(s.state.receipts, id)
	}
	for _, record := range records {
		addReceipt(s.state.receipts, record.MessageID, record.UserID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *conversationService) ClearUnread(roomID string) {
	s.mu.Lock()
	_, had := s.state.unread[roomID]
	delete(s.state.unread, roomID)
	s.mu.Unlock()

	if had {
		s.notify()
		s.persist()
	}
}

func (s *conversationService) UnreadForPeer(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.state.directRooms[peerID]
	if !ok {
		return 0
	}
	return s.state.unread[room]
}

// SubscribeToAllMessages opens the message feed. Routing reads the active
// room at delivery time, so room switches need no resubscription.
func (s *conversationService) SubscribeToAllMessages(ctx context.Context) error {
	if s.feed == nil || !s.gateway.Configured() {
		return nil
	}
	teardown, err := s.feed.SubscribeMessages(ctx, s, s.Apply)
	if err != nil {
		return err
	}
	s.setTeardown(realtime.FeedMessages, teardown)
	return nil
}

func (s *conversationService) SubscribeToReadReceipts(ctx context.Context) error {
	if s.feed == nil || !s.gateway.Configured() {
		return nil
	}
	teardown, err := s.feed.SubscribeReadReceipts(ctx, s.Apply)
	if err != nil {
		return err
	}
	s.setTeardown(realtime.FeedReadReceipts, teardown)
	return nil
}

func (s *conversationService) setTeardown(feed string, teardown func()) {
	s.mu.Lock()
	previous := s.teardowns[feed]
	s.teardowns[feed] = teardown
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// Apply folds a routed realtime event into the state. Events routed for a
// room that is no longer active are dropped.
func (s *conversationService) Apply(evt realtime.Event) {
	s.mu.Lock()
	changed, persist := s.applyLocked(evt)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	if persist {
		s.persist()
	}
}

func (s *conversationService) applyLocked(evt realtime.Event) (changed, persist bool) {
	switch e := evt.(type) {
	case realtime.MessageUpserted:
		if e.RoomID != s.state.roomID {
			return false, false
		}
		if idx := s.indexLocked(e.Message.ID); idx >= 0 {
			s.state.messages[idx] = mergeMessage(s.state.messages[idx], e.Message)
		} else {
			s.state.messages = append(s.state.messages, e.Message)
		}
		return true, false

	case realtime.MessageRemoved:
		if e.RoomID != "" && e.RoomID != s.state.roomID {
			return false, false
		}
		idx := s.indexLocked(e.ID)
		if idx < 0 {
			return false, false
		}
		s.state.messages = append(s.state.messages[:idx:idx], s.state.messages[idx+1:]...)
		delete(s.state.receipts, e.ID)
		return true, false

	case realtime.MessageContentChanged:
		if e.RoomID != s.state.roomID {
			return false, false
		}
		idx := s.indexLocked(e.ID)
		if idx < 0 || s.state.messages[idx].Content == e.Content {
			return false, false
		}
		s.state.messages[idx].Content = e.Content
		return true, false

	case realtime.UnreadIncremented:
		if e.RoomID == "" || e.RoomID == s.state.roomID {
			return false, false
		}
		s.state.unread[e.RoomID]++
		return true, true

	case realtime.ReceiptAdded:
		return addReceipt(s.state.receipts, e.MessageID, e.UserID), false

	case realtime.ReceiptRemoved:
		readers, ok := s.state.receipts[e.MessageID]
		if !ok {
			return false, false
		}
		if _, ok := readers[e.UserID]; !ok {
			return false, false
		}
		delete(readers, e.UserID)
		if len(readers) == 0 {
			delete(s.state.receipts, e.MessageID)
		}
		return true, false
	}
	return false, false
}

// Reset tears down the feeds and forgets the local user and all state.
func (s *conversationService) Reset() {
	s.mu.Lock()
	teardowns := s.teardowns
	s.teardowns = make(map[string]func())
	s.state = newConversationState()
	s.identity = nil
	s.selectSeq++
	s.mu.Unlock()

	for _, teardown := range teardowns {
		teardown()
	}
	s.notify()
}

func (s *conversationService) ActiveRoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.roomID
}

func (s *conversationService) LocalUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUserIDLocked()
}

func (s *conversationService) Snapshot() dto.ConversationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := dto.ConversationSnapshot{
		RoomID:          s.state.roomID,
		Messages:        cloneMessages(s.state.messages),
		Input:           s.state.input,
		UnreadCounts:    make(map[string]int, len(s.state.unread)),
		DirectRooms:     make(map[string]string, len(s.state.directRooms)),
		ReadReceipts:    make(map[string][]string, len(s.state.receipts)),
		LoadingRoom:     s.state.loadingRoom,
		LoadingMessages: s.state.loadingMessages,
		Error:           s.state.err,
		ErrorScope:      s.state.errScope,
	}
	if s.state.selectedPeer != nil {
		peer := *s.state.selectedPeer
		snapshot.SelectedPeer = &peer
	}
	for room, count := range s.state.unread {
		snapshot.UnreadCounts[room] = count
	}
	for peer, room := range s.state.directRooms {
		snapshot.DirectRooms[peer] = room
	}
	for id, readers := range s.state.receipts {
		users := make([]string, 0, len(readers))
		for user := range readers {
			users = append(users, user)
		}
		sort.Strings(users)
		snapshot.ReadReceipts[id] = users
	}
	return snapshot
}

func (s *conversationService) Subscribe() (<-chan dto.ConversationSnapshot, func()) {
	return s.broker.subscribe(s.Snapshot)
}

func (s *conversationService) notify() {
	s.broker.publish(s.Snapshot)
}

func (s *conversationService) persist() {
	if s.store == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	userID := s.localUserIDLocked()
	record := persistedConversation{
		RoomID:        s.state.roomID,
		DefaultRoomID: s.state.defaultRoomID,
		UnreadCounts:  make(map[string]int, len(s.state.unread)),
		DirectRooms:   make(map[string]string, len(s.state.directRooms)),
	}
	if s.state.selectedPeer != nil {
		peer := *s.state.selectedPeer
		record.SelectedPeer = &peer
	}
	for room, count := range s.state.unread {
		record.UnreadCounts[room] = count
	}
	for peer, room := range s.state.directRooms {
		record.DirectRooms[peer] = room
	}
	s.mu.Unlock()

	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Save(ctx, conversationStateKey+userID, record); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to persist conversation state")
	}
}

// configured reports whether the backend is attached, surfacing the
// configuration error once when it is not.
func (s *conversationService) configured() bool {
	if s.gateway.Configured() {
		return true
	}

	s.mu.Lock()
	changed := s.state.errScope != dto.ScopeConfig
	s.state.err = gateway.NotConfiguredMessage
	s.state.errScope = dto.ScopeConfig
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return false
}

func (s *conversationService) failLocked(scope string, err error) {
	if gateway.IsNotConfigured(err) {
		s.state.err = gateway.NotConfiguredMessage
		s.state.errScope = dto.ScopeConfig
		return
	}
	s.state.err = errorMessage(err)
	s.state.errScope = scope
}

func (s *conversationService) clearErrorLocked() {
	if s.state.errScope == dto.ScopeConfig {
		return
	}
	s.state.err = ""
	s.state.errScope = ""
}

func (s *conversationService) isActiveLocked(target RoomTarget) bool {
	if s.state.roomID == "" {
		return false
	}
	if target.Peer == nil {
		return s.state.selectedPeer == nil && s.state.roomID == s.state.defaultRoomID
	}
	return s.state.selectedPeer != nil && s.state.selectedPeer.ID == target.Peer.ID
}

func (s *conversationService) knownRoomLocked(target RoomTarget) string {
	if target.Peer == nil {
		return s.state.defaultRoomID
	}
	return s.state.directRooms[target.Peer.ID]
}

func (s *conversationService) indexLocked(id string) int {
	for i, message := range s.state.messages {
		if message.ID == id {
			return i
		}
	}
	return -1
}

func (s *conversationService) localUserIDLocked() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.ID
}

// mergeMessage folds a confirmed message into an existing entry with the same id.
func mergeMessage(existing, incoming dto.ChatMessage) dto.ChatMessage {
	merged := incoming
	if strings.TrimSpace(merged.Content) == "" {
		merged.Content = existing.Content
	}
	if merged.AuthorDisplayName == codec.AnonymousAuthor && existing.AuthorDisplayName != "" {
		merged.AuthorDisplayName = existing.AuthorDisplayName
	}
	if merged.AuthorAvatarURL == nil {
		merged.AuthorAvatarURL = existing.AuthorAvatarURL
	}
	if merged.AuthorUserID == nil {
		merged.AuthorUserID = existing.AuthorUserID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	merged.IsOptimistic = false
	return merged
}

func addReceipt(receipts map[string]map[string]struct{}, messageID, userID string) bool {
	if messageID == "" || userID == "" {
		return false
	}
	readers := receipts[messageID]
	if readers == nil {
		readers = make(map[string]struct{})
		receipts[messageID] = readers
	}
	if _, ok := readers[userID]; ok {
		return false
	}
	readers[userID] = struct{}{}
	return true
}

func cloneMessages(messages []dto.ChatMessage) []dto.ChatMessage {
	out := make([]dto.ChatMessage, len(messages))
	copy(out, messages)
	return out
}

// errorMessage extracts the user-facing text of err.
func errorMessage(err error) string {
	var remote *gateway.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return err.Error()
}
