// Package chat keeps per-conversation message state consistent under
// concurrent local and remote writes: canonical conversation keys, the
// in-memory message store, the deferred-delete (undo) controller and the
// engine that routes decoded wire records between them.
package chat

import "fmt"

type KeyKind string

const (
	KindDirect KeyKind = "direct"
	KindGroup  KeyKind = "group"
)

// wire values of the SEND_CHAT `type` field.
const (
	WireTypeGroup  = "room"
	WireTypeDirect = "people"
)

// Key canonically identifies a conversation. Two events belonging to the
// same logical conversation always normalize to the same key, whichever
// participant produced them.
type Key struct {
	Kind KeyKind
	Name string
}

func (k Key) String() string {
	if k.Kind == KindGroup {
		return "group:" + k.Name
	}
	return "user:" + k.Name
}

func (k Key) IsGroup() bool { return k.Kind == KindGroup }

// WireType maps the key back to the SEND_CHAT `type` field.
func (k Key) WireType() string {
	if k.Kind == KindGroup {
		return WireTypeGroup
	}
	return WireTypeDirect
}

func DirectKey(name string) Key { return Key{Kind: KindDirect, Name: name} }
func GroupKey(name string) Key  { return Key{Kind: KindGroup, Name: name} }

// KeyFromInboundEvent derives the conversation key for an inbound
// SEND_CHAT event. Group traffic always carries the group in the `to`
// field. For direct traffic the conversation is named after whichever
// identity is not ourselves, so the sender and the recipient of one
// event land on the same key.
func KeyFromInboundEvent(wireType, from, to, self string) (Key, error) {
	if wireType == WireTypeGroup {
		return GroupKey(to), nil
	}
	if wireType != WireTypeDirect {
		return Key{}, fmt.Errorf("chat: unknown wire type %q", wireType)
	}
	other := from
	if from == self {
		other = to
	}
	return DirectKey(other), nil
}
