package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/actionlog"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/call"
	"github.com/mqy/minichat/clock"
	"github.com/mqy/minichat/transport"
	"github.com/mqy/minichat/wire"
)

// outgoing events.
const (
	EvSendChat         = "SEND_CHAT"
	EvGetRoomChatMes   = "GET_ROOM_CHAT_MES"
	EvGetPeopleChatMes = "GET_PEOPLE_CHAT_MES"
	EvGetUserList      = "GET_USER_LIST"
	EvCreateRoom       = "CREATE_ROOM"
	EvJoinRoom         = "JOIN_ROOM"
	EvLogin            = "LOGIN"
	EvRegister         = "REGISTER"
	EvReLogin          = "RE_LOGIN"
	EvLogout           = "LOGOUT"
)

// history pages carry up to this many rows; a shorter page means the
// oldest history has been reached.
const historyPageSize = 50

var (
	ErrEmptyMessage = errors.New("chat: refuse to send empty message")
	ErrEmptyName    = errors.New("chat: room name must not be empty")
	ErrPollQuestion = errors.New("chat: poll question must not be empty")
	ErrPollOptions  = errors.New("chat: poll needs at least two non-empty options")
)

// Transport is the engine's view of the wire channel.
type Transport interface {
	Send(event string, data interface{}) error
	On(event string, h transport.Handler) int
	Off(event string, id int)
}

// chatData is the inner SEND_CHAT payload, both directions. Outgoing
// sends fill type/to/mes; inbound events carry the sender in `name`, a
// server id and a creation timestamp.
type chatData struct {
	ID       int64  `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	To       string `json:"to"`
	Mes      string `json:"mes"`
	CreateAt string `json:"createAt,omitempty"` // RFC3339
}

type historyReq struct {
	Name string `json:"name"`
	Page int    `json:"page"`
}

type pendingHistory struct {
	key  Key
	gen  uint64
	page int
}

// Engine wires the transport, codec, stores and call controller
// together: one instance per signed-in identity. Sends go UI intent ->
// codec -> transport; receives go transport -> codec -> store or call
// controller, with addressing consulted on both paths.
type Engine struct {
	self  string
	tr    Transport
	store *Store
	undo  *Undo
	calls *call.Controller

	actions *actionlog.Store // optional
	creds   auth.Provider
	clk     clock.Clock

	mu sync.Mutex
	// in-flight history requests per wire type, answered in order.
	pendingRoom   []pendingHistory
	pendingPeople []pendingHistory

	// OnTyping, when set, observes inbound typing indicators. Typing
	// records are never stored.
	OnTyping func(key Key, from string)

	subs []func()
}

func NewEngine(self string, tr Transport, rooms call.Provisioner, actions *actionlog.Store,
	creds auth.Provider, clk clock.Clock) *Engine {

	e := &Engine{
		self:    self,
		tr:      tr,
		store:   NewStore(),
		actions: actions,
		creds:   creds,
		clk:     clk,
	}
	e.undo = NewUndo(e.store, clk)
	e.undo.OnRestore = e.sendRestore
	e.calls = call.NewController(self, rooms, e, clk)

	chatSub := tr.On(EvSendChat, e.handleChat)
	roomSub := tr.On(EvGetRoomChatMes, func(ev *transport.Event) { e.handleHistory(ev, WireTypeGroup) })
	peopleSub := tr.On(EvGetPeopleChatMes, func(ev *transport.Event) { e.handleHistory(ev, WireTypeDirect) })
	e.subs = append(e.subs,
		func() { tr.Off(EvSendChat, chatSub) },
		func() { tr.Off(EvGetRoomChatMes, roomSub) },
		func() { tr.Off(EvGetPeopleChatMes, peopleSub) },
	)
	return e
}

// Close unregisters the engine from the transport.
func (e *Engine) Close() {
	for _, off := range e.subs {
		off()
	}
}

func (e *Engine) Self() string            { return e.self }
func (e *Engine) Store() *Store           { return e.store }
func (e *Engine) Undo() *Undo             { return e.undo }
func (e *Engine) Calls() *call.Controller { return e.calls }

func newID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// ---- session ----

func (e *Engine) Login() error {
	c, err := e.creds.Credentials()
	if err != nil {
		return err
	}
	return e.tr.Send(EvLogin, map[string]string{"user": c.User, "pass": c.Pass})
}

func (e *Engine) Register() error {
	c, err := e.creds.Credentials()
	if err != nil {
		return err
	}
	return e.tr.Send(EvRegister, map[string]string{"user": c.User, "pass": c.Pass})
}

// ReLogin re-authenticates after a reconnect; wire it to the
// transport's OnConnect hook.
func (e *Engine) ReLogin() {
	c, err := e.creds.Credentials()
	if err != nil {
		glog.Errorf("engine: re-login: %v", err)
		return
	}
	if err := e.tr.Send(EvReLogin, map[string]string{"user": c.User, "pass": c.Pass}); err != nil {
		glog.Errorf("engine: re-login: %v", err)
	}
}

func (e *Engine) Logout() error {
	return e.tr.Send(EvLogout, nil)
}

func (e *Engine) CreateRoom(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	return e.tr.Send(EvCreateRoom, map[string]string{"name": name})
}

func (e *Engine) JoinRoom(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	return e.tr.Send(EvJoinRoom, map[string]string{"name": name})
}

// ---- sending ----

// SendText sends plain text, optionally as a reply. Emoji-only text is
// re-encoded by the codec.
func (e *Engine) SendText(key Key, text string, reply *wire.Preview) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return e.sendRecord(key, &wire.Record{Kind: wire.KindText, Text: text, Reply: reply})
}

// SendMedia sends a media record. The url must already be public, i.e.
// uploaded through the blob collaborator.
func (e *Engine) SendMedia(key Key, kind wire.Kind, url, fileName string) (*Message, error) {
	if !kind.IsMedia() {
		return nil, fmt.Errorf("chat: %s is not a media kind", kind)
	}
	if url == "" {
		return nil, ErrEmptyMessage
	}
	return e.sendRecord(key, &wire.Record{Kind: kind, URL: url, FileName: fileName})
}

func (e *Engine) SendLocation(key Key, lat, lng float64) (*Message, error) {
	return e.sendRecord(key, &wire.Record{Kind: wire.KindLocation, Location: &wire.Location{Lat: lat, Lng: lng}})
}

func (e *Engine) SendRichText(key Key, lines []wire.Line) (*Message, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyMessage
	}
	return e.sendRecord(key, &wire.Record{Kind: wire.KindRichText, Lines: lines})
}

// SendForward forwards a message into another conversation, carrying
// only its compact preview.
func (e *Engine) SendForward(key Key, preview *wire.Preview) (*Message, error) {
	if preview == nil {
		return nil, ErrEmptyMessage
	}
	return e.sendRecord(key, &wire.Record{Kind: wire.KindForward, Forward: preview})
}

// CreatePoll validates and sends a poll. A poll with fewer than two
// non-empty options never reaches the codec or the transport.
func (e *Engine) CreatePoll(key Key, question string, options []string) (*Message, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrPollQuestion
	}
	var opts []wire.PollOption
	for _, o := range options {
		if strings.TrimSpace(o) != "" {
			opts = append(opts, wire.PollOption{Label: o})
		}
	}
	if len(opts) < 2 {
		return nil, ErrPollOptions
	}
	return e.sendRecord(key, &wire.Record{
		Kind: wire.KindPoll,
		Poll: &wire.Poll{Question: question, Options: opts},
	})
}

// VotePoll applies the vote locally and emits the poll_vote delta.
func (e *Engine) VotePoll(key Key, msgID string, option int) error {
	if !e.store.ApplyVote(key, msgID, option) {
		return fmt.Errorf("chat: no poll option %d on message %s", option, msgID)
	}
	return e.sendControl(key, &wire.Record{
		Kind: wire.KindPollVote,
		Vote: &wire.PollVote{Target: msgID, Option: option, Voter: e.self},
	})
}

// ToggleReaction flips our reaction locally and emits the delta. The
// toggle is symmetric: sending the same reaction twice removes it.
func (e *Engine) ToggleReaction(key Key, msgID, emoji string) error {
	if !e.store.ToggleReaction(key, msgID, emoji, e.self) {
		return fmt.Errorf("chat: no message %s to react to", msgID)
	}
	return e.sendControl(key, &wire.Record{
		Kind:     wire.KindReaction,
		Reaction: &wire.Reaction{Target: msgID, Emoji: emoji, From: e.self},
	})
}

// Typing emits a typing indicator. Not stored on either side.
func (e *Engine) Typing(key Key) error {
	return e.sendControl(key, &wire.Record{Kind: wire.KindTyping})
}

// sendRecord is the optimistic send path: append locally first, then
// write to the wire. The appended message stays optimistic until the
// backend echoes the correlation id back.
func (e *Engine) sendRecord(key Key, rec *wire.Record) (*Message, error) {
	rec.CID = newID()

	mes, err := wire.Encode(rec)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:         rec.CID,
		Key:        key,
		Kind:       rec.Kind,
		Self:       true,
		From:       e.self,
		To:         key.Name,
		CreatedAt:  e.clk.Now().UnixMilli(),
		Body:       rec,
		Optimistic: true,
	}
	e.store.Append(m)

	if err := e.tr.Send(EvSendChat, &chatData{Type: key.WireType(), To: key.Name, Mes: mes}); err != nil {
		// No send queue: the optimistic entry stays visible, the user
		// must resend once the transport is back.
		glog.Errorf("engine: send %s to %s failed: %v", rec.Kind, key, err)
		return m, err
	}
	return m, nil
}

// sendControl writes a control record without an optimistic append.
func (e *Engine) sendControl(key Key, rec *wire.Record) error {
	mes, err := wire.Encode(rec)
	if err != nil {
		return err
	}
	return e.tr.Send(EvSendChat, &chatData{Type: key.WireType(), To: key.Name, Mes: mes})
}

// ---- deletion / recall / undo ----

// Delete stages a delete-for-me: the message leaves the log now, the
// undo window opens, and the intent is written to the wire and to the
// durable action history.
func (e *Engine) Delete(key Key, id string) error {
	m := e.store.Get(key, id)
	if m == nil {
		return fmt.Errorf("chat: no message %s in %s", id, key)
	}
	if err := e.undo.Stage(key, id); err != nil {
		return err
	}
	e.recordAction(actionlog.ActionDelete, key, m)
	if err := e.sendControl(key, &wire.Record{Kind: wire.KindDeleteForMe, Target: id}); err != nil {
		glog.Errorf("engine: delete_for_me for %s not sent: %v", id, err)
	}
	return nil
}

// Recall soft-deletes for everyone: the entry stays with its payload
// retained, rendered as recalled.
func (e *Engine) Recall(key Key, id string) error {
	m := e.store.Get(key, id)
	if m == nil || !e.store.Recall(key, id) {
		return fmt.Errorf("chat: no message %s in %s", id, key)
	}
	e.recordAction(actionlog.ActionRecall, key, m)
	return e.sendControl(key, &wire.Record{Kind: wire.KindRecall, Target: id})
}

func (e *Engine) sendRestore(key Key, m *Message) {
	e.recordAction(actionlog.ActionRestore, key, m)
	if err := e.sendControl(key, &wire.Record{Kind: wire.KindRestoreForMe, Target: m.ID}); err != nil {
		glog.Errorf("engine: restore_for_me for %s not sent: %v", m.ID, err)
	}
}

func (e *Engine) recordAction(a actionlog.Action, key Key, m *Message) {
	if e.actions == nil {
		return
	}
	body := ""
	if m.Body != nil {
		body = m.Body.Text
	}
	fp := actionlog.Fingerprint(m.From, m.CreatedAt, body)
	err := e.actions.Record(fp, &actionlog.Entry{
		Action:    a,
		ChatKey:   key.String(),
		MessageID: m.ID,
		Sender:    m.From,
		Body:      body,
		At:        e.clk.Now().UnixMilli(),
	})
	if err != nil {
		glog.Errorf("engine: action history: %v", err)
	}
}

// ---- history ----

// RequestHistory asks for the next older page of a conversation. The
// response is routed back to this key even if the user has switched
// conversations by then; starting a new request for the same key
// invalidates pages still in flight.
func (e *Engine) RequestHistory(key Key) error {
	if !e.store.HasMore(key) {
		return nil
	}
	page := e.store.Page(key) + 1
	gen := e.store.BeginHistory(key)

	ev := EvGetPeopleChatMes
	if key.IsGroup() {
		ev = EvGetRoomChatMes
	}

	e.mu.Lock()
	if key.IsGroup() {
		e.pendingRoom = append(e.pendingRoom, pendingHistory{key: key, gen: gen, page: page})
	} else {
		e.pendingPeople = append(e.pendingPeople, pendingHistory{key: key, gen: gen, page: page})
	}
	e.mu.Unlock()

	if err := e.tr.Send(ev, &historyReq{Name: key.Name, Page: page}); err != nil {
		e.removePending(key.IsGroup(), key, gen)
		return err
	}
	return nil
}

// removePending takes the queued request for key+gen back out, used
// when its send never reached the wire. Earlier in-flight requests keep
// their queue slots so their responses still land on the right key.
func (e *Engine) removePending(group bool, key Key, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := &e.pendingPeople
	if group {
		q = &e.pendingRoom
	}
	for i, p := range *q {
		if p.key == key && p.gen == gen {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

func (e *Engine) dropPending(group bool) (pendingHistory, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if group {
		if len(e.pendingRoom) == 0 {
			return pendingHistory{}, false
		}
		p := e.pendingRoom[0]
		e.pendingRoom = e.pendingRoom[1:]
		return p, true
	}
	if len(e.pendingPeople) == 0 {
		return pendingHistory{}, false
	}
	p := e.pendingPeople[0]
	e.pendingPeople = e.pendingPeople[1:]
	return p, true
}

// handleHistory merges one history page. Responses come back in request
// order per wire type; the page lands on the key it was requested for.
func (e *Engine) handleHistory(ev *transport.Event, wireType string) {
	p, ok := e.dropPending(wireType == WireTypeGroup)
	if !ok {
		glog.Errorf("engine: unsolicited %s response", ev.Event)
		return
	}
	if ev.Status == transport.StatusError {
		glog.Errorf("engine: %s for %s failed", ev.Event, p.key)
		return
	}

	var rows []chatData
	if err := json.Unmarshal(ev.Data, &rows); err != nil {
		glog.Errorf("engine: bad %s page: %v", ev.Event, err)
		return
	}

	// newest first on the wire; flip to chronological
	msgs := make([]*Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, e.toMessage(p.key, &rows[i], wire.Decode(rows[i].Mes)))
	}
	hasMore := len(rows) == historyPageSize
	e.store.SetHistory(p.key, p.gen, msgs, p.page, hasMore)
}

// ---- inbound live traffic ----

func (e *Engine) handleChat(ev *transport.Event) {
	var d chatData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		glog.Errorf("engine: bad SEND_CHAT payload: %v", err)
		return
	}

	key, err := KeyFromInboundEvent(d.Type, d.Name, d.To, e.self)
	if err != nil {
		glog.Errorf("engine: %v", err)
		return
	}

	rec := wire.Decode(d.Mes)

	switch {
	case rec.Kind.IsCall():
		e.calls.HandleControl(d.Name, rec)

	case rec.Kind == wire.KindReaction:
		e.store.ToggleReaction(key, rec.Reaction.Target, rec.Reaction.Emoji, rec.Reaction.From)

	case rec.Kind == wire.KindPollVote:
		e.store.ApplyVote(key, rec.Vote.Target, rec.Vote.Option)

	case rec.Kind == wire.KindRecall:
		e.store.Recall(key, rec.Target)

	case rec.Kind == wire.KindDeleteForMe, rec.Kind == wire.KindRestoreForMe:
		// counterpart-local moderation: nothing changes in our log,
		// but the action history keeps the record
		if m := e.store.Get(key, rec.Target); m != nil {
			a := actionlog.ActionDelete
			if rec.Kind == wire.KindRestoreForMe {
				a = actionlog.ActionRestore
			}
			e.recordAction(a, key, m)
		}

	case rec.Kind == wire.KindTyping:
		if d.Name != e.self && e.OnTyping != nil {
			e.OnTyping(key, d.Name)
		}

	default:
		m := e.toMessage(key, &d, rec)
		if m.Self && e.store.Confirm(key, rec.CID, m.ID, m.CreatedAt) {
			// our own echo: optimistic entry upgraded in place
			return
		}
		e.store.Append(m)
	}
}

// toMessage builds a store message from one wire row and its decoded
// record. The id prefers the server id, then the correlation id, then a
// timestamp.
func (e *Engine) toMessage(key Key, d *chatData, rec *wire.Record) *Message {
	createdAt := e.clk.Now().UnixMilli()
	if d.CreateAt != "" {
		if t, err := time.Parse(time.RFC3339, d.CreateAt); err == nil {
			createdAt = t.UnixMilli()
		} else {
			glog.V(5).Infof("engine: bad createAt %q: %v", d.CreateAt, err)
		}
	}

	id := ""
	switch {
	case d.ID > 0:
		id = strconv.FormatInt(d.ID, 10)
	case rec.CID != "":
		id = rec.CID
	default:
		id = fmt.Sprintf("ts-%d", createdAt)
	}

	return &Message{
		ID:        id,
		Key:       key,
		Kind:      rec.Kind,
		Self:      d.Name == e.self,
		From:      d.Name,
		To:        d.To,
		CreatedAt: createdAt,
		Body:      rec,
	}
}

// ---- call glue (call.Signaler) ----

// SendControl implements call.Signaler.
func (e *Engine) SendControl(to string, group bool, rec *wire.Record) error {
	key := DirectKey(to)
	if group {
		key = GroupKey(to)
	}
	return e.sendControl(key, rec)
}

// AppendCallLog implements call.Signaler: the call summary lands in the
// conversation and on the wire as a content_log message visible to both
// parties.
func (e *Engine) AppendCallLog(to string, group bool, text string) {
	key := DirectKey(to)
	if group {
		key = GroupKey(to)
	}
	rec := &wire.Record{Kind: wire.KindCallLog, Text: text}
	if _, err := e.sendRecord(key, rec); err != nil {
		glog.Errorf("engine: call log not sent: %v", err)
	}
}

// StartVoiceCall / StartVideoCall ring the conversation counterparty.
func (e *Engine) StartVoiceCall(key Key) error {
	return e.calls.Start(call.TypeVoice, key.Name, key.IsGroup())
}

func (e *Engine) StartVideoCall(key Key) error {
	return e.calls.Start(call.TypeVideo, key.Name, key.IsGroup())
}
