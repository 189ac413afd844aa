// Package wire encodes and decodes the chat content payload carried in
// the `mes` field of SEND_CHAT events. Every payload is one Record with
// a `type` discriminator; plain text may also arrive untagged.
package wire

// Kind is the content-type discriminator.
type Kind string

const (
	KindText     Kind = "text"
	KindEmoji    Kind = "emoji"
	KindSticker  Kind = "sticker"
	KindGif      Kind = "gif"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindFile     Kind = "file"
	KindRichText Kind = "richText"
	KindPoll     Kind = "poll"
	KindPollVote Kind = "poll_vote"
	KindReaction Kind = "reaction"
	KindForward  Kind = "forward"
	KindLocation Kind = "location"

	KindCallRequest  Kind = "call_request"
	KindCallAccepted Kind = "call_accepted"
	KindCallRejected Kind = "call_rejected"
	KindCallSignal   Kind = "call_signal"
	KindCallLog      Kind = "call_log"

	KindDeleteForMe  Kind = "delete_for_me"
	KindRecall       Kind = "recall"
	KindRestoreForMe Kind = "restore_for_me"
	KindTyping       Kind = "typing"
)

// known kinds, for decode classification.
var kinds = map[Kind]struct{}{
	KindText: {}, KindEmoji: {}, KindSticker: {}, KindGif: {},
	KindImage: {}, KindVideo: {}, KindAudio: {}, KindFile: {},
	KindRichText: {}, KindPoll: {}, KindPollVote: {}, KindReaction: {},
	KindForward: {}, KindLocation: {}, KindCallRequest: {},
	KindCallAccepted: {}, KindCallRejected: {}, KindCallSignal: {},
	KindCallLog: {}, KindDeleteForMe: {}, KindRecall: {},
	KindRestoreForMe: {}, KindTyping: {},
}

// IsControl reports whether the kind drives signaling instead of
// representing user-visible chat content.
func (k Kind) IsControl() bool {
	switch k {
	case KindPollVote, KindReaction, KindCallRequest, KindCallAccepted,
		KindCallRejected, KindCallSignal, KindDeleteForMe, KindRecall,
		KindRestoreForMe, KindTyping:
		return true
	}
	return false
}

// IsCall reports whether the kind is a call control record.
func (k Kind) IsCall() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallRejected, KindCallSignal:
		return true
	}
	return false
}

// IsMedia reports whether the kind carries a url/fileName payload.
func (k Kind) IsMedia() bool {
	switch k {
	case KindSticker, KindGif, KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// Record is one decoded unit of chat payload. Exactly the fields for its
// Kind are set; the rest stay zero. Adding a content kind means adding a
// Kind constant, its fields here, and a case in classify().
type Record struct {
	Kind Kind `json:"type"`

	// text, call_log
	Text string `json:"text,omitempty"`

	// emoji: unicode code points as hex strings, never raw characters
	Codes []string `json:"codes,omitempty"`

	// media kinds
	URL      string `json:"url,omitempty"`
	FileName string `json:"fileName,omitempty"`

	Poll     *Poll        `json:"poll,omitempty"`
	Vote     *PollVote    `json:"vote,omitempty"`
	Reaction *Reaction    `json:"reaction,omitempty"`
	Call     *CallControl `json:"call,omitempty"`
	Location *Location    `json:"location,omitempty"`

	// richText
	Lines []Line `json:"lines,omitempty"`

	// reply/forward context: compact preview, never the full original
	Reply   *Preview `json:"reply,omitempty"`
	Forward *Preview `json:"forward,omitempty"`

	// delete_for_me, recall, restore_for_me: target message id
	Target string `json:"target,omitempty"`

	// client-generated correlation id, used to upgrade the optimistic
	// local entry when the backend echoes the send
	CID string `json:"cid,omitempty"`
}

type Poll struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
}

type PollOption struct {
	Label string `json:"label"`
	Votes int    `json:"votes"`
}

type PollVote struct {
	Target string `json:"target"` // poll message id
	Option int    `json:"option"` // option index
	Voter  string `json:"voter"`
}

type Reaction struct {
	Target string `json:"target"` // message id
	Emoji  string `json:"emoji"`
	From   string `json:"from"`
}

type CallControl struct {
	CallType  string `json:"callType"` // "voice" | "video"
	RoomURL   string `json:"roomUrl,omitempty"`
	From      string `json:"from,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	GroupName string `json:"groupName,omitempty"`
	Payload   string `json:"payload,omitempty"` // opaque call_signal body
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Line is one formatted line of a richText record.
type Line struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
	Strike    bool   `json:"strike,omitempty"`
	Font      string `json:"font,omitempty"`
	Color     string `json:"color,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// Preview is the compact reply/forward context: id, author and a short
// snippet, so reply chains stay bounded.
type Preview struct {
	ID      string `json:"id"`
	Author  string `json:"author,omitempty"`
	Kind    Kind   `json:"type,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

const snippetMaxRunes = 80

// NewPreview builds the preview for replying to or forwarding r.
func NewPreview(id, author string, r *Record) *Preview {
	p := &Preview{ID: id, Author: author, Kind: r.Kind}
	switch {
	case r.Kind.IsMedia():
		if r.FileName != "" {
			p.Snippet = r.FileName
		} else {
			p.Snippet = r.URL
		}
	case r.Kind == KindEmoji:
		p.Snippet = DecodeCodes(r.Codes)
	case r.Kind == KindPoll && r.Poll != nil:
		p.Snippet = r.Poll.Question
	case r.Kind == KindRichText:
		if len(r.Lines) > 0 {
			p.Snippet = r.Lines[0].Text
		}
	default:
		p.Snippet = r.Text
	}
	if rs := []rune(p.Snippet); len(rs) > snippetMaxRunes {
		p.Snippet = string(rs[:snippetMaxRunes])
	}
	return p
}
