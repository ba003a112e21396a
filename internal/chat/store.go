// Package chat persists direct messages and derives the deterministic
// two-party room ids used for fan-out.
package chat

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("chat: message not found")

// Message is one stored direct message. CreatedAt is assigned by the store
// (server timestamp) on save.
type Message struct {
	ID            string    `db:"id" json:"id"`
	RoomID        string    `db:"room_id" json:"roomId"`
	SenderID      string    `db:"sender_id" json:"senderId"`
	RecipientID   string    `db:"recipient_id" json:"recipientId"`
	Body          string    `db:"body" json:"body"`
	AttachmentURL string    `db:"attachment_url" json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// MessageStore is the persistence collaborator consumed by the relay. A
// successful SaveMessage is what triggers the chat-room fan-out.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) (*Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// PairRoomID returns the chat room id for two users, independent of
// argument order.
func PairRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "chat:" + ids[0] + ":" + ids[1]
}

// RoomMember reports whether userID is one of the two participants encoded
// in a pair room id. The comparison is per component, so a user id that is
// a substring of another cannot pass.
func RoomMember(roomID, userID string) bool {
	parts := strings.Split(roomID, ":")
	if len(parts) != 3 || parts[0] != "chat" {
		return false
	}
	return parts[1] == userID || parts[2] == userID
}

// MemoryStore is an in-process MessageStore used in tests and when the relay
// runs without a database DSN.
type MemoryStore struct {
	mu       sync.Mutex
	byRoom   map[string][]*Message
	sequence int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRoom: make(map[string][]*Message),
		now:    time.Now,
	}
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	stored := *msg
	if stored.ID == "" {
		stored.ID = strconv.Itoa(s.sequence)
	}
	stored.CreatedAt = s.now()
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], &stored)

	out := stored
	return &out, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, roomID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.byRoom[roomID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]*Message, 0, limit)
	for _, m := range msgs[len(msgs)-limit:] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }
