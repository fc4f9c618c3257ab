package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/metrics"
	"github.com/m4xw311/parley/pool"
	"github.com/m4xw311/parley/session"
)

// RoleSource supplies the ordered role sequence and a connector factory per
// role. Satisfied by registry.Registry.
type RoleSource interface {
	Sequence() []config.Role
	Factory(role config.Role) pool.Factory
}

// Placeholder is the sentinel a role returns when it has nothing to add
// this turn. Placeholder messages are filtered from every delta and drive
// the termination rules.
const Placeholder = "....."

// errorMarker prefixes turn-level error responses so the conversation log
// stays a complete record of what happened.
const errorMarker = "[error] "

// Response is one yielded turn of a dialogue cycle.
type Response struct {
	RoleName    string
	DisplayName string
	Text        string
	IsError     bool
}

// Options tunes the scheduler.
type Options struct {
	// InterTurnPause is slept between turns so external CLIs are not
	// hammered back to back.
	InterTurnPause time.Duration
	// ReminderEvery restates a role's identity in the prompt every N
	// substantive turns. Zero disables reminders.
	ReminderEvery int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Scheduler owns the per-chat round-robin cursors and runs dialogue cycles.
// Turns within one chat execute strictly sequentially; distinct chats are
// fully independent.
type Scheduler struct {
	registry RoleSource
	pool     *pool.Pool
	store    *session.Store
	opts     Options
	logger   *slog.Logger
	m        *metrics.Metrics

	mu      sync.Mutex
	cursors map[string]int
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(reg RoleSource, p *pool.Pool, store *session.Store, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		registry: reg,
		pool:     p,
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		m:        opts.Metrics,
		cursors:  make(map[string]int),
	}
}

type cycleState struct {
	consecutivePlaceholders int
	consecutiveNoops        int
	consecutiveErrors       int
	terminated              bool
}

type turnOutcome int

const (
	turnSubstantive turnOutcome = iota
	// turnPlaceholder is a placeholder the role's connector actually
	// produced. Counts toward all-placeholder termination.
	turnPlaceholder
	// turnNoop is a placeholder synthesized for an empty filtered delta,
	// without invoking the connector. Does not move the placeholder
	// counter either way.
	turnNoop
	turnError
)

// RunCycle executes one dialogue cycle for a chat and streams its responses
// on the returned channel. The stream is single-pass and bound to this one
// cycle; it closes when a termination rule fires or the context is
// cancelled. Placeholder turns are internal and never yielded.
func (s *Scheduler) RunCycle(ctx context.Context, chatID string) <-chan Response {
	out := make(chan Response)
	go s.run(ctx, chatID, out)
	return out
}

func (s *Scheduler) run(ctx context.Context, chatID string, out chan<- Response) {
	defer close(out)

	seq := s.registry.Sequence()
	n := len(seq)
	state := cycleState{}

	for !state.terminated {
		select {
		case <-ctx.Done():
			return
		default:
		}

		role := seq[s.nextCursor(chatID, n)]
		text, outcome := s.turn(ctx, chatID, role)

		switch outcome {
		case turnSubstantive:
			state.consecutivePlaceholders = 0
			state.consecutiveNoops = 0
			state.consecutiveErrors = 0
			s.m.ObserveTurn(role.Name, metrics.OutcomeSubstantive)
			if !emit(ctx, out, Response{RoleName: role.Name, DisplayName: role.DisplayName, Text: text}) {
				return
			}

		case turnPlaceholder, turnNoop:
			s.m.ObserveTurn(role.Name, metrics.OutcomePlaceholder)
			if role.Moderator {
				s.logger.Debug("dialogue: moderator passed, cycle over", "chat", chatID)
				s.m.ObserveTermination(metrics.TerminateModerator)
				state.terminated = true
				break
			}
			state.consecutiveErrors = 0
			if outcome == turnPlaceholder {
				state.consecutivePlaceholders++
				state.consecutiveNoops = 0
			} else {
				state.consecutiveNoops++
			}
			// A full round of connector placeholders, or a full round of
			// turns where nobody even had unseen messages, ends the cycle.
			if state.consecutivePlaceholders >= n || state.consecutiveNoops >= n {
				s.logger.Debug("dialogue: every role passed, cycle over", "chat", chatID)
				s.m.ObserveTermination(metrics.TerminateAllPlaceholder)
				state.terminated = true
			}

		case turnError:
			state.consecutiveErrors++
			state.consecutiveNoops = 0
			s.m.ObserveTurn(role.Name, metrics.OutcomeError)
			if !emit(ctx, out, Response{RoleName: role.Name, DisplayName: role.DisplayName, Text: text, IsError: true}) {
				return
			}
			if state.consecutiveErrors >= n {
				s.logger.Warn("dialogue: every role errored, cycle over", "chat", chatID)
				s.m.ObserveTermination(metrics.TerminateAllError)
				state.terminated = true
			}
		}

		if !state.terminated && s.opts.InterTurnPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.InterTurnPause):
			}
		}
	}
}

// nextCursor returns the current cursor position for a chat and advances
// it. The cursor advances unconditionally, even on placeholder and error
// turns, so every role gets its slot.
func (s *Scheduler) nextCursor(chatID string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[chatID] % n
	s.cursors[chatID] = (cur + 1) % n
	return cur
}

// ResetCursor rewinds a chat's cursor to the start of the sequence.
func (s *Scheduler) ResetCursor(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, chatID)
}

// turn runs one role's turn. An empty filtered delta produces a placeholder
// without ever touching the connector. Substantive responses are appended
// to the log and advance the role's context index; placeholder and error
// responses are appended but leave the index alone, so the role sees the
// intervening messages again next turn.
func (s *Scheduler) turn(ctx context.Context, chatID string, role config.Role) (string, turnOutcome) {
	delta, err := s.store.GetDelta(chatID, role.Name)
	if err != nil {
		return s.failTurn(chatID, role, err), turnError
	}
	filtered := filterPlaceholders(delta)
	if len(filtered) == 0 {
		s.appendTurn(chatID, role, Placeholder)
		return Placeholder, turnNoop
	}

	prompt := s.buildPrompt(chatID, role, filtered)

	key := pool.Key{ChatID: chatID, RoleName: role.Name}
	conn, err := s.pool.Get(ctx, key, s.registry.Factory(role))
	if err != nil {
		return s.failTurn(chatID, role, err), turnError
	}

	text, err := conn.Execute(ctx, prompt)
	if err != nil {
		// A failed connection is never reused.
		s.pool.Discard(key)
		return s.failTurn(chatID, role, err), turnError
	}
	s.pool.ReportSuccess(key)

	text = strings.TrimSpace(text)
	if text == "" || text == Placeholder {
		s.appendTurn(chatID, role, Placeholder)
		return Placeholder, turnPlaceholder
	}

	s.appendTurn(chatID, role, text)
	if err := s.store.Advance(chatID, role.Name); err != nil {
		s.logger.Error("dialogue: failed to advance context", "chat", chatID, "role", role.Name, "error", err)
	}
	return text, turnSubstantive
}

func (s *Scheduler) failTurn(chatID string, role config.Role, err error) string {
	s.logger.Error("dialogue: turn failed", "chat", chatID, "role", role.Name, "error", err)
	text := errorMarker + err.Error()
	s.appendTurn(chatID, role, text)
	return text
}

func (s *Scheduler) appendTurn(chatID string, role config.Role, text string) {
	if err := s.store.AddAgentMessage(chatID, role.Name, role.DisplayName, text); err != nil {
		s.logger.Error("dialogue: failed to record turn", "chat", chatID, "role", role.Name, "error", err)
	}
}

// buildPrompt renders a role's unseen messages as attributed lines, with a
// periodic reminder block so long sessions do not drift.
func (s *Scheduler) buildPrompt(chatID string, role config.Role, delta []session.Message) string {
	var sb strings.Builder
	if s.opts.ReminderEvery > 0 {
		turns := s.store.TurnCount(chatID, role.Name)
		if turns > 0 && turns%s.opts.ReminderEvery == 0 {
			fmt.Fprintf(&sb, "Reminder of your role (%s): %s\n\n", role.DisplayName, role.SystemPrompt)
		}
	}
	sb.WriteString("New messages since your last turn:\n")
	for _, msg := range delta {
		name := msg.DisplayName
		if name == "" {
			name = "User"
		}
		fmt.Fprintf(&sb, "%s: %s\n", name, msg.Content)
	}
	fmt.Fprintf(&sb, "\nRespond in character, or answer with exactly %q if you have nothing to add.", Placeholder)
	return sb.String()
}

// filterPlaceholders drops every placeholder message from a delta,
// regardless of which role produced it.
func filterPlaceholders(msgs []session.Message) []session.Message {
	out := msgs[:0:0]
	for _, msg := range msgs {
		if msg.Content == Placeholder {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func emit(ctx context.Context, out chan<- Response, resp Response) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- resp:
		return true
	}
}
