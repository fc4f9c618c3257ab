package storage

import (
	"sort"
	"sync"

	"github.com/m4xw311/parley/session"
)

// MemoryStore is an in-memory Storage implementation for tests and ephemeral
// deployments.
type MemoryStore struct {
	mu        sync.Mutex
	chats     map[string][]session.Message
	maxLength int
}

// NewMemoryStore creates an empty in-memory store. maxLength <= 0 means
// unbounded.
func NewMemoryStore(maxLength int) *MemoryStore {
	return &MemoryStore{chats: make(map[string][]session.Message), maxLength: maxLength}
}

func (m *MemoryStore) LoadConversation(chatID string) ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.chats[chatID]
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) AddMessage(chatID string, msg session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append(m.chats[chatID], msg)
	if m.maxLength > 0 && len(msgs) > m.maxLength {
		msgs = msgs[len(msgs)-m.maxLength:]
	}
	m.chats[chatID] = msgs
	return nil
}

func (m *MemoryStore) ClearConversation(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	return nil
}

func (m *MemoryStore) ListChats() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chats := make([]string, 0, len(m.chats))
	for id := range m.chats {
		chats = append(chats, id)
	}
	sort.Strings(chats)
	return chats, nil
}
