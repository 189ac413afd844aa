package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/golang/glog"
)

// Encode serializes a record into the `mes` payload string.
//
// Outgoing text that consists of emoji (contains a codepoint above the
// BMP, i.e. one that needs a surrogate pair in UTF-16 transports) is
// re-encoded as an explicit emoji record carrying hex code points, so
// the wire payload never depends on the sender's byte assumptions.
func Encode(r *Record) (string, error) {
	if r.Kind == KindText && HasEmoji(r.Text) {
		e := *r
		e.Kind = KindEmoji
		e.Codes = EncodeCodes(e.Text)
		e.Text = ""
		r = &e
	}
	out, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("wire: marshal %s record: %v", r.Kind, err)
	}
	return string(out), nil
}

// Decode classifies a raw payload string into a record. It never fails:
// a payload that is not a structurally valid record is returned as plain
// text, so callers never see an unparsed payload reinterpreted as some
// other type.
func Decode(raw string) *Record {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return &Record{Kind: KindText, Text: raw}
	}
	if _, ok := kinds[r.Kind]; !ok {
		if r.Kind != "" {
			glog.V(5).Infof("wire: unknown record kind %q, degrading to text", r.Kind)
		}
		return &Record{Kind: KindText, Text: raw}
	}
	if !classify(&r) {
		return &Record{Kind: KindText, Text: raw}
	}
	return &r
}

// classify checks that the fields a kind requires are present, and
// normalizes derived fields. Returns false when the record is tagged but
// structurally unusable.
func classify(r *Record) bool {
	switch r.Kind {
	case KindText, KindCallLog, KindTyping:
		return true
	case KindEmoji:
		// empty or whitespace-only emoji collapses to the empty string
		r.Text = DecodeCodes(r.Codes)
		return true
	case KindSticker, KindGif, KindImage, KindVideo, KindAudio, KindFile:
		return r.URL != ""
	case KindRichText:
		return len(r.Lines) > 0
	case KindPoll:
		return r.Poll != nil && r.Poll.Question != ""
	case KindPollVote:
		return r.Vote != nil && r.Vote.Target != ""
	case KindReaction:
		return r.Reaction != nil && r.Reaction.Target != "" && r.Reaction.Emoji != ""
	case KindForward:
		return r.Forward != nil
	case KindLocation:
		return r.Location != nil
	case KindCallRequest, KindCallAccepted, KindCallRejected, KindCallSignal:
		return r.Call != nil
	case KindDeleteForMe, KindRecall, KindRestoreForMe:
		return r.Target != ""
	}
	return false
}

// HasEmoji reports whether s contains a codepoint outside the basic
// multilingual plane.
func HasEmoji(s string) bool {
	for _, r := range s {
		if r > 0xFFFF {
			return true
		}
	}
	return false
}

// EncodeCodes converts a string into its unicode code points as lower
// case hex strings, one per rune.
func EncodeCodes(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, strconv.FormatInt(int64(r), 16))
	}
	return out
}

// DecodeCodes converts hex code points back into the literal string.
// Invalid entries are skipped; a result that is empty or whitespace-only
// collapses to the empty string.
func DecodeCodes(codes []string) string {
	var b strings.Builder
	for _, c := range codes {
		n, err := strconv.ParseInt(strings.TrimSpace(c), 16, 32)
		if err != nil || n < 0 || !utf8.ValidRune(rune(n)) {
			glog.V(5).Infof("wire: skip bad code point %q", c)
			continue
		}
		b.WriteRune(rune(n))
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return ""
	}
	return out
}
