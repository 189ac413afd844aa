package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmojiRoundTrip(t *testing.T) {
	for _, s := range []string{"😀", "👍🏽", "🇩🇪", "😀 😀", "🧑‍🚀"} {
		enc, err := Encode(&Record{Kind: KindText, Text: s})
		require.NoError(t, err)

		rec := Decode(enc)
		assert.Equal(t, KindEmoji, rec.Kind)
		assert.Equal(t, s, rec.Text, "round trip of %q", s)

		// the wire payload carries hex code points, not raw emoji
		assert.NotContains(t, enc, s)
	}
}

func TestPlainTextStaysText(t *testing.T) {
	enc, err := Encode(&Record{Kind: KindText, Text: "hello", CID: "abc"})
	require.NoError(t, err)

	rec := Decode(enc)
	assert.Equal(t, KindText, rec.Kind)
	assert.Equal(t, "hello", rec.Text)
	assert.Equal(t, "abc", rec.CID)
}

func TestEmptyEmojiCollapses(t *testing.T) {
	rec := Decode(`{"type":"emoji","codes":[]}`)
	assert.Equal(t, KindEmoji, rec.Kind)
	assert.Equal(t, "", rec.Text)

	// whitespace-only code points also collapse
	rec = Decode(`{"type":"emoji","codes":["20","20"]}`)
	assert.Equal(t, "", rec.Text)

	// bad code points are skipped, not fatal
	rec = Decode(`{"type":"emoji","codes":["zzz","1f600"]}`)
	assert.Equal(t, "😀", rec.Text)
}

func TestUnparseablePayloadDegradesToText(t *testing.T) {
	for _, raw := range []string{
		"hello there",
		"{not json",
		`{"a":1}`,               // object without discriminator
		`{"type":"hologram"}`,   // unknown discriminator
		`{"type":"image"}`,      // media without url
		`{"type":"poll"}`,       // poll without body
		`{"type":"reaction"}`,   // reaction without target
		`{"type":"call_request"}`, // control without call body
	} {
		rec := Decode(raw)
		assert.Equal(t, KindText, rec.Kind, "payload %q", raw)
		assert.Equal(t, raw, rec.Text, "payload %q", raw)
	}
}

func TestPollEncodesZeroTallies(t *testing.T) {
	enc, err := Encode(&Record{
		Kind: KindPoll,
		Poll: &Poll{Question: "lunch?", Options: []PollOption{{Label: "pizza"}, {Label: "ramen"}}},
	})
	require.NoError(t, err)

	rec := Decode(enc)
	require.Equal(t, KindPoll, rec.Kind)
	require.Len(t, rec.Poll.Options, 2)
	for _, o := range rec.Poll.Options {
		assert.Equal(t, 0, o.Votes)
	}
}

func TestRichTextSpans(t *testing.T) {
	enc, err := Encode(&Record{
		Kind: KindRichText,
		Lines: []Line{
			{Text: "title", Bold: true, Size: 18},
			{Text: "body", Italic: true, Color: "#333333", Font: "mono"},
			{Text: "gone", Strike: true},
		},
	})
	require.NoError(t, err)

	rec := Decode(enc)
	require.Equal(t, KindRichText, rec.Kind)
	require.Len(t, rec.Lines, 3)
	assert.True(t, rec.Lines[0].Bold)
	assert.Equal(t, 18, rec.Lines[0].Size)
	assert.True(t, rec.Lines[1].Italic)
	assert.True(t, rec.Lines[2].Strike)
}

func TestForwardCarriesNestedPreview(t *testing.T) {
	orig := &Record{Kind: KindImage, URL: "https://cdn/x.png", FileName: "x.png"}
	p := NewPreview("42", "alice", orig)

	enc, err := Encode(&Record{Kind: KindForward, Forward: p})
	require.NoError(t, err)

	rec := Decode(enc)
	require.Equal(t, KindForward, rec.Kind)
	assert.Equal(t, "42", rec.Forward.ID)
	assert.Equal(t, KindImage, rec.Forward.Kind)
	assert.Equal(t, "x.png", rec.Forward.Snippet)
}

func TestPreviewSnippetIsBounded(t *testing.T) {
	long := strings.Repeat("я", 500)
	p := NewPreview("1", "bob", &Record{Kind: KindText, Text: long})
	assert.Equal(t, 80, len([]rune(p.Snippet)))

	// media snippet prefers the file name over the url
	p = NewPreview("2", "bob", &Record{Kind: KindFile, URL: "https://cdn/a", FileName: "report.pdf"})
	assert.Equal(t, "report.pdf", p.Snippet)

	p = NewPreview("3", "bob", &Record{Kind: KindGif, URL: "https://cdn/b.gif"})
	assert.Equal(t, "https://cdn/b.gif", p.Snippet)
}

func TestLocationRecord(t *testing.T) {
	enc, err := Encode(&Record{Kind: KindLocation, Location: &Location{Lat: 52.52, Lng: 13.405}})
	require.NoError(t, err)

	rec := Decode(enc)
	require.Equal(t, KindLocation, rec.Kind)
	assert.InDelta(t, 52.52, rec.Location.Lat, 1e-9)
	assert.InDelta(t, 13.405, rec.Location.Lng, 1e-9)
}

func TestCallControlRecord(t *testing.T) {
	enc, err := Encode(&Record{
		Kind: KindCallRequest,
		Call: &CallControl{CallType: "video", RoomURL: "https://rooms/x", From: "alice", IsGroup: true, GroupName: "dev"},
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(enc), &raw))
	assert.Equal(t, "call_request", raw["type"])

	rec := Decode(enc)
	require.Equal(t, KindCallRequest, rec.Kind)
	assert.True(t, rec.Call.IsGroup)
	assert.Equal(t, "dev", rec.Call.GroupName)
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, KindReaction.IsControl())
	assert.True(t, KindTyping.IsControl())
	assert.True(t, KindCallAccepted.IsCall())
	assert.False(t, KindCallLog.IsCall())
	assert.False(t, KindCallLog.IsControl())
	assert.True(t, KindSticker.IsMedia())
	assert.False(t, KindText.IsMedia())
}
