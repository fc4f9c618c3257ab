package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/pool"
	"github.com/m4xw311/parley/session"
)

// Orchestrator is the surface the transport adapters consume. It validates
// user input, owns the per-chat serialization lock and produces one response
// stream per incoming message.
type Orchestrator struct {
	sched    *Scheduler
	registry RoleSource
	pool     *pool.Pool
	store    *session.Store
	logger   *slog.Logger

	maxInputLength int

	coldStart sync.Once

	mu        sync.Mutex
	chatLocks map[string]*chatLock
}

// chatLock serializes work within one chat. The refs count lets the
// orchestrator drop the map entry once nobody holds or waits for it, so
// the lock table does not grow with every chat ever seen.
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator wires the facade. maxInputLength bounds user messages;
// zero means no bound.
func NewOrchestrator(sched *Scheduler, reg RoleSource, p *pool.Pool, store *session.Store, maxInputLength int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sched:          sched,
		registry:       reg,
		pool:           p,
		store:          store,
		logger:         logger,
		maxInputLength: maxInputLength,
		chatLocks:      make(map[string]*chatLock),
	}
}

// HandleMessage appends the user's message and starts one dialogue cycle.
// The returned channel is a single-pass stream bound to this cycle; it is
// closed when the cycle terminates. Malformed input is rejected before it
// reaches the session store.
func (o *Orchestrator) HandleMessage(ctx context.Context, chatID, text string) (<-chan Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.NewKind(errors.KindValidation, "message is empty")
	}
	if o.maxInputLength > 0 && len(text) > o.maxInputLength {
		return nil, errors.NewKind(errors.KindValidation, "message exceeds %d characters", o.maxInputLength)
	}
	if chatID == "" {
		return nil, errors.NewKind(errors.KindValidation, "chat id is empty")
	}

	// First message since process start: every known chat's context
	// indexes are cleared once, so restarted agents are not handed deltas
	// they have in fact never seen.
	o.coldStart.Do(o.clearKnownContexts)

	lock := o.lockChat(chatID)

	if err := o.store.AddUserMessage(chatID, text); err != nil {
		o.unlockChat(chatID, lock)
		return nil, errors.Wrapf(err, "failed to record user message")
	}

	out := make(chan Response)
	go func() {
		defer o.unlockChat(chatID, lock)
		defer close(out)
		for resp := range o.sched.RunCycle(ctx, chatID) {
			if !emit(ctx, out, resp) {
				return
			}
		}
	}()
	return out, nil
}

func (o *Orchestrator) clearKnownContexts() {
	chats, err := o.store.KnownChats()
	if err != nil {
		o.logger.Warn("cold start: could not list chats", "error", err)
		return
	}
	for _, chat := range chats {
		o.store.ResetContexts(chat)
	}
	o.logger.Info("cold start: cleared role contexts", "chats", len(chats))
}

// ResetConversation wipes a chat's history, contexts, cursor and pooled
// connections. Returns a status line for the transport to show.
func (o *Orchestrator) ResetConversation(chatID string) (string, error) {
	lock := o.lockChat(chatID)
	defer o.unlockChat(chatID, lock)

	o.pool.Reset(chatID)
	o.sched.ResetCursor(chatID)
	if err := o.store.Reset(chatID); err != nil {
		return "", errors.Wrapf(err, "failed to reset chat %q", chatID)
	}
	o.logger.Info("conversation reset", "chat", chatID)
	return "Conversation cleared. All roles will start fresh.", nil
}

// RoleStatus describes one configured role in a status snapshot.
type RoleStatus struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Connector   string `json:"connector"`
	Moderator   bool   `json:"moderator"`
}

// Status is the structured health snapshot served to transports.
type Status struct {
	Roles       []RoleStatus        `json:"roles"`
	Connections []pool.RecordStatus `json:"connections"`
	KnownChats  []string            `json:"known_chats"`
}

// GetStatus assembles a point-in-time snapshot of roles, pool state and
// known chats.
func (o *Orchestrator) GetStatus() Status {
	st := Status{Connections: o.pool.Snapshot()}
	for _, role := range o.registry.Sequence() {
		st.Roles = append(st.Roles, RoleStatus{
			Name:        role.Name,
			DisplayName: role.DisplayName,
			Connector:   role.Connector,
			Moderator:   role.Moderator,
		})
	}
	chats, err := o.store.KnownChats()
	if err != nil {
		o.logger.Warn("status: could not list chats", "error", err)
	}
	st.KnownChats = chats
	return st
}

// lockChat acquires the chat's serialization lock, creating it on first
// use. Every lockChat must be paired with exactly one unlockChat.
func (o *Orchestrator) lockChat(chatID string) *chatLock {
	o.mu.Lock()
	lock, ok := o.chatLocks[chatID]
	if !ok {
		lock = &chatLock{}
		o.chatLocks[chatID] = lock
	}
	lock.refs++
	o.mu.Unlock()
	lock.mu.Lock()
	return lock
}

// unlockChat releases the chat lock and prunes the map entry when no other
// holder or waiter remains.
func (o *Orchestrator) unlockChat(chatID string, lock *chatLock) {
	lock.mu.Unlock()
	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.chatLocks, chatID)
	}
	o.mu.Unlock()
}
