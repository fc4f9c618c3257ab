package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/parley/errors"
)

// Record tracks how much of a chat's conversation a role has already been
// shown, and how many substantive turns the role has taken.
type Record struct {
	ChatID       string
	RoleName     string
	ContextIndex int
	TurnCount    int
	LastActivity time.Time
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// CacheSize bounds the number of chats whose conversations are cached.
	CacheSize int
	// CacheTTL is how long a cached conversation stays valid without reads.
	CacheTTL time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the authoritative session tracker. It owns the per-(chat, role)
// context indexes, the read-through conversation cache, and the per-role turn
// counters. All reads of conversation state go through the cache; every append
// invalidates it.
type Store struct {
	mu      sync.Mutex
	storage Storage
	records map[recordKey]*Record
	cache   *conversationCache
	logger  *slog.Logger
	nowFunc func() time.Time
}

type recordKey struct {
	chatID   string
	roleName string
}

// NewStore creates a Store backed by the given storage collaborator.
func NewStore(storage Storage, opts StoreOptions) *Store {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		storage: storage,
		records: make(map[recordKey]*Record),
		cache:   newConversationCache(opts.CacheSize, opts.CacheTTL),
		logger:  opts.Logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. For tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
	s.cache.nowFunc = fn
}

// Conversation returns the full conversation log for a chat, served from the
// cache when possible.
func (s *Store) Conversation(chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationLocked(chatID)
}

func (s *Store) conversationLocked(chatID string) ([]Message, error) {
	if msgs, ok := s.cache.get(chatID); ok {
		return msgs, nil
	}
	msgs, err := s.storage.LoadConversation(chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading conversation for chat %s", chatID)
	}
	s.cache.put(chatID, msgs)
	return msgs, nil
}

// GetDelta returns the conversation entries the role has not yet been shown.
// An index that is negative or past the end of the log is treated as corrupt:
// it is clamped to zero and the full conversation is returned.
func (s *Store) GetDelta(chatID, roleName string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.conversationLocked(chatID)
	if err != nil {
		return nil, err
	}
	rec := s.recordLocked(chatID, roleName)
	if rec.ContextIndex < 0 || rec.ContextIndex > len(msgs) {
		s.logger.Warn("context index out of range, resetting",
			"chat_id", chatID, "role", roleName,
			"index", rec.ContextIndex, "log_len", len(msgs))
		rec.ContextIndex = 0
	}
	delta := make([]Message, len(msgs)-rec.ContextIndex)
	copy(delta, msgs[rec.ContextIndex:])
	return delta, nil
}

// Advance moves the role's context index to the current end of the log and
// counts one substantive turn. Call only after a successful substantive
// response has been appended.
func (s *Store) Advance(chatID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.conversationLocked(chatID)
	if err != nil {
		return err
	}
	rec := s.recordLocked(chatID, roleName)
	rec.ContextIndex = len(msgs)
	rec.TurnCount++
	rec.LastActivity = s.nowFunc()
	return nil
}

// TurnCount returns how many substantive turns the role has taken in the chat.
func (s *Store) TurnCount(chatID, roleName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(chatID, roleName).TurnCount
}

// ContextIndex returns the role's current position in the chat's log.
func (s *Store) ContextIndex(chatID, roleName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(chatID, roleName).ContextIndex
}

// AddUserMessage appends a user message to the chat's log and invalidates the
// chat's cached conversation.
func (s *Store) AddUserMessage(chatID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(chatID, UserMessage(content, s.nowFunc()))
}

// AddAgentMessage appends an agent message to the chat's log and invalidates
// the chat's cached conversation.
func (s *Store) AddAgentMessage(chatID, roleName, displayName, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(chatID, AgentMessage(roleName, displayName, content, s.nowFunc()))
}

func (s *Store) appendLocked(chatID string, msg Message) error {
	if err := s.storage.AddMessage(chatID, msg); err != nil {
		return errors.Wrapf(err, "appending message to chat %s", chatID)
	}
	s.cache.invalidate(chatID)
	return nil
}

// Reset clears every role's context index for the chat, drops the cached
// conversation and clears the persisted log.
func (s *Store) Reset(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(chatID)
}

func (s *Store) resetLocked(chatID string) error {
	for key, rec := range s.records {
		if key.chatID == chatID {
			rec.ContextIndex = 0
			rec.TurnCount = 0
		}
	}
	s.cache.invalidate(chatID)
	if err := s.storage.ClearConversation(chatID); err != nil {
		return errors.Wrapf(err, "clearing conversation for chat %s", chatID)
	}
	return nil
}

// ResetContexts zeroes every role's context index for the chat without
// touching the persisted log. Used on cold start so restarted processes show
// each role the full conversation again.
func (s *Store) ResetContexts(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if key.chatID == chatID {
			rec.ContextIndex = 0
		}
	}
	s.cache.invalidate(chatID)
}

// KnownChats lists the chats present in storage.
func (s *Store) KnownChats() ([]string, error) {
	chats, err := s.storage.ListChats()
	if err != nil {
		return nil, errors.Wrapf(err, "listing chats")
	}
	return chats, nil
}

// RunCacheSweeper periodically drops expired cache entries until ctx is done.
func (s *Store) RunCacheSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			n := s.cache.sweep()
			s.mu.Unlock()
			if n > 0 {
				s.logger.Debug("swept expired conversation cache entries", "count", n)
			}
		}
	}
}

func (s *Store) recordLocked(chatID, roleName string) *Record {
	key := recordKey{chatID: chatID, roleName: roleName}
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{ChatID: chatID, RoleName: roleName, LastActivity: s.nowFunc()}
		s.records[key] = rec
	}
	return rec
}
