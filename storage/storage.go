// Package storage persists conversation logs as one JSON file per chat.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
)

// FileStore keeps each chat's conversation in <dir>/<chat>.json. The log is
// append-only; when it grows past MaxLength the oldest entries are dropped.
type FileStore struct {
	dir       string
	maxLength int
}

type conversationFile struct {
	ChatID   string            `json:"chat_id"`
	Messages []session.Message `json:"messages"`
}

// NewFileStore creates the storage directory if needed. maxLength <= 0 means
// unbounded.
func NewFileStore(dir string, maxLength int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create storage directory %s", dir)
	}
	return &FileStore{dir: dir, maxLength: maxLength}, nil
}

// LoadConversation returns the chat's log, empty if the chat has no file yet.
func (f *FileStore) LoadConversation(chatID string) ([]session.Message, error) {
	data, err := os.ReadFile(f.path(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read conversation file for chat %s", chatID)
	}
	var cf conversationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, errors.Wrapf(err, "could not parse conversation file for chat %s", chatID)
	}
	return cf.Messages, nil
}

// AddMessage appends one message and rewrites the chat's file, truncating the
// oldest entries past the configured bound.
func (f *FileStore) AddMessage(chatID string, msg session.Message) error {
	msgs, err := f.LoadConversation(chatID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if f.maxLength > 0 && len(msgs) > f.maxLength {
		msgs = msgs[len(msgs)-f.maxLength:]
	}
	return f.write(chatID, msgs)
}

// ClearConversation removes the chat's log. Clearing a chat that has no file
// is not an error.
func (f *FileStore) ClearConversation(chatID string) error {
	if err := os.Remove(f.path(chatID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "could not clear conversation for chat %s", chatID)
	}
	return nil
}

// ListChats returns the ids of every chat with a conversation file.
func (f *FileStore) ListChats() ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "could not list conversation files in %s", f.dir)
	}
	chats := make([]string, 0, len(matches))
	for _, m := range matches {
		chats = append(chats, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return chats, nil
}

func (f *FileStore) write(chatID string, msgs []session.Message) error {
	data, err := json.MarshalIndent(conversationFile{ChatID: chatID, Messages: msgs}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize conversation for chat %s", chatID)
	}
	if err := os.WriteFile(f.path(chatID), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write conversation file for chat %s", chatID)
	}
	return nil
}

func (f *FileStore) path(chatID string) string {
	return filepath.Join(f.dir, sanitize(chatID)+".json")
}

// sanitize keeps chat ids filesystem-safe. Telegram chat ids are numeric, but
// web clients may send arbitrary strings.
func sanitize(chatID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, chatID)
}
