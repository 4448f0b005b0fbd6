package store

import (
	"sort"
	"sync"
	"time"

	"chatrelay/pkg/domain"
)

// MemoryStore keeps users and messages in-process. Used by tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // key: user ID
	email    map[string]string      // email -> user ID
	messages []domain.Message       // insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.email[u.Email]; ok && owner != u.ID {
		return ErrDuplicateEmail
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) ListUsersExcept(id string) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for uid, u := range m.users {
		if uid != id {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].FullName != res[j].FullName {
			return res[i].FullName < res[j].FullName
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) UpdateProfile(id string, upd domain.ProfileUpdate) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Bio != nil {
		u.Bio = *upd.Bio
	}
	if upd.ProfilePic != nil {
		u.ProfilePic = *upd.ProfilePic
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return u, true, nil
}

func (m *MemoryStore) CreateMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// ListConversation returns messages between two users ordered by creation time.
// Ties keep insertion order.
func (m *MemoryStore) ListConversation(userA, userB string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if (msg.SenderID == userA && msg.ReceiverID == userB) || (msg.SenderID == userB && msg.ReceiverID == userA) {
			res = append(res, msg)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) MarkConversationSeen(senderID, receiverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.SenderID == senderID && msg.ReceiverID == receiverID && !msg.Seen {
			msg.Seen = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkMessageSeen(id, receiverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id && m.messages[i].ReceiverID == receiverID {
			m.messages[i].Seen = true
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountUnseenBySender(receiverID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, msg := range m.messages {
		if msg.ReceiverID == receiverID && !msg.Seen {
			out[msg.SenderID]++
		}
	}
	return out, nil
}
