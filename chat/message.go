package chat

import (
	"time"

	"github.com/mqy/minichat/wire"
)

// Message is one entry of a conversation log. Created by a local send
// (optimistic) or by an inbound event / history page; mutated in place
// only for reaction toggles, recall and echo confirmation.
type Message struct {
	ID   string
	Key  Key
	Kind wire.Kind

	Self bool // sender role: true when we produced it
	From string
	To   string

	CreatedAt int64 // epoch milliseconds

	Body *wire.Record

	// emoji -> identities; at most one active reaction per identity.
	Reactions map[string]map[string]struct{}

	Recalled bool

	// Optimistic is true until the backend echoes the send back to us
	// (matched by Body.CID) or the message is otherwise confirmed.
	Optimistic bool
}

// DisplayTime formats the creation instant for the local timezone.
func (m *Message) DisplayTime() string {
	return time.UnixMilli(m.CreatedAt).Local().Format("15:04")
}

// HasReaction reports whether identity currently reacts with emoji.
func (m *Message) HasReaction(emoji, identity string) bool {
	set, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	_, ok = set[identity]
	return ok
}

func (m *Message) clone() *Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string]map[string]struct{}, len(m.Reactions))
		for emoji, set := range m.Reactions {
			cp := make(map[string]struct{}, len(set))
			for id := range set {
				cp[id] = struct{}{}
			}
			out.Reactions[emoji] = cp
		}
	}
	return &out
}
