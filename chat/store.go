package chat

import (
	"sync"

	"github.com/golang/glog"
)

// conversation is one per-key ordered message log. Insertion order is
// chronological for history merges and arrival order for live traffic.
type conversation struct {
	key      Key
	messages []*Message
	hasMore  bool
	page     int

	// gen invalidates in-flight history pages when the caller starts a
	// newer request for the same key, so a stale page can never land.
	gen uint64
}

// Store is the single mutable source of truth for conversation state.
// UI readers take snapshots; all writes go through its operations.
type Store struct {
	sync.RWMutex

	convs map[string]*conversation
}

func NewStore() *Store {
	return &Store{convs: make(map[string]*conversation)}
}

func (s *Store) conv(key Key) *conversation {
	c, ok := s.convs[key.String()]
	if !ok {
		c = &conversation{key: key, hasMore: true}
		s.convs[key.String()] = c
	}
	return c
}

// Append adds a message to the tail of its conversation log, creating
// the conversation when the key is new. Used for optimistic local sends
// and for live inbound events; never rejects.
func (s *Store) Append(m *Message) {
	s.Lock()
	c := s.conv(m.Key)
	c.messages = append(c.messages, m)
	s.Unlock()
}

// BeginHistory bumps and returns the history generation for key. The
// returned value must accompany the eventual SetHistory; pages from
// older generations are dropped.
func (s *Store) BeginHistory(key Key) uint64 {
	s.Lock()
	c := s.conv(key)
	c.gen++
	gen := c.gen
	s.Unlock()
	return gen
}

// SetHistory merges a chronologically ordered history page. The first
// page replaces the log but keeps optimistic local sends that raced the
// request; later pages are prepended. A page whose gen is stale is
// ignored.
func (s *Store) SetHistory(key Key, gen uint64, msgs []*Message, page int, hasMore bool) {
	s.Lock()
	defer s.Unlock()

	c := s.conv(key)
	if gen != c.gen {
		glog.V(5).Infof("store: drop stale history page for %s: gen %d, want %d", key, gen, c.gen)
		return
	}

	if page <= 1 {
		seen := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			seen[m.ID] = struct{}{}
		}
		merged := append([]*Message{}, msgs...)
		for _, m := range c.messages {
			if _, dup := seen[m.ID]; !dup && m.Optimistic {
				merged = append(merged, m)
			}
		}
		c.messages = merged
	} else {
		c.messages = append(append([]*Message{}, msgs...), c.messages...)
	}
	c.page = page
	c.hasMore = hasMore
}

// Remove deletes a message in place (delete-for-me) and returns it with
// its index so the caller can stage an undo. Removing an optimistic,
// not-yet-confirmed message is a no-op.
func (s *Store) Remove(key Key, id string) (*Message, int, bool) {
	s.Lock()
	defer s.Unlock()

	c := s.conv(key)
	for i, m := range c.messages {
		if m.ID != id {
			continue
		}
		if m.Optimistic {
			glog.V(5).Infof("store: refuse to remove unconfirmed message %s", id)
			return nil, 0, false
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		return m, i, true
	}
	return nil, 0, false
}

// Recall marks a message recalled in place. The payload is retained.
func (s *Store) Recall(key Key, id string) bool {
	s.Lock()
	defer s.Unlock()
	for _, m := range s.conv(key).messages {
		if m.ID == id {
			m.Recalled = true
			return true
		}
	}
	return false
}

// InsertAt reinserts a previously removed message at the remembered
// index, clamped to the current log bounds.
func (s *Store) InsertAt(key Key, index int, m *Message) {
	s.Lock()
	defer s.Unlock()

	c := s.conv(key)
	if index < 0 {
		index = 0
	}
	if index > len(c.messages) {
		index = len(c.messages)
	}
	c.messages = append(c.messages, nil)
	copy(c.messages[index+1:], c.messages[index:])
	c.messages[index] = m
}

// ToggleReaction flips identity's membership of the emoji reaction on a
// message. An identity holds at most one active reaction per message:
// picking a different emoji moves the membership.
func (s *Store) ToggleReaction(key Key, id, emoji, identity string) bool {
	s.Lock()
	defer s.Unlock()

	for _, m := range s.conv(key).messages {
		if m.ID != id {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]map[string]struct{})
		}
		if set, ok := m.Reactions[emoji]; ok {
			if _, has := set[identity]; has {
				delete(set, identity)
				if len(set) == 0 {
					delete(m.Reactions, emoji)
				}
				return true
			}
		}
		for other, set := range m.Reactions {
			if _, has := set[identity]; has {
				delete(set, identity)
				if len(set) == 0 {
					delete(m.Reactions, other)
				}
			}
		}
		set, ok := m.Reactions[emoji]
		if !ok {
			set = make(map[string]struct{})
			m.Reactions[emoji] = set
		}
		set[identity] = struct{}{}
		return true
	}
	return false
}

// ApplyVote increments a poll option tally in place.
func (s *Store) ApplyVote(key Key, id string, option int) bool {
	s.Lock()
	defer s.Unlock()

	for _, m := range s.conv(key).messages {
		if m.ID != id || m.Body == nil || m.Body.Poll == nil {
			continue
		}
		if option < 0 || option >= len(m.Body.Poll.Options) {
			return false
		}
		m.Body.Poll.Options[option].Votes++
		return true
	}
	return false
}

// Confirm upgrades the optimistic entry carrying cid in place with the
// server-assigned id and timestamp, instead of appending the echo as a
// second entry. Returns false when no optimistic entry matches, in
// which case the caller should append the echo as a fresh message.
func (s *Store) Confirm(key Key, cid, serverID string, createdAt int64) bool {
	if cid == "" {
		return false
	}
	s.Lock()
	defer s.Unlock()

	for _, m := range s.conv(key).messages {
		if !m.Optimistic || m.Body == nil || m.Body.CID != cid {
			continue
		}
		if serverID != "" {
			m.ID = serverID
		}
		if createdAt > 0 {
			m.CreatedAt = createdAt
		}
		m.Optimistic = false
		return true
	}
	return false
}

// Snapshot returns a deep copy of the conversation log for readers.
func (s *Store) Snapshot(key Key) []*Message {
	s.RLock()
	defer s.RUnlock()

	c, ok := s.convs[key.String()]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.clone())
	}
	return out
}

// HasMore reports whether older history pages remain for key.
func (s *Store) HasMore(key Key) bool {
	s.RLock()
	defer s.RUnlock()
	if c, ok := s.convs[key.String()]; ok {
		return c.hasMore
	}
	return true
}

// Page returns the last merged history page number for key.
func (s *Store) Page(key Key) int {
	s.RLock()
	defer s.RUnlock()
	if c, ok := s.convs[key.String()]; ok {
		return c.page
	}
	return 0
}

// Get looks a message up by id.
func (s *Store) Get(key Key, id string) *Message {
	s.RLock()
	defer s.RUnlock()
	if c, ok := s.convs[key.String()]; ok {
		for _, m := range c.messages {
			if m.ID == id {
				return m.clone()
			}
		}
	}
	return nil
}
