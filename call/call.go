// Package call drives the voice/video signaling handshake layered on the
// chat wire protocol: one call session at a time, moved between states by
// local intents, inbound call control records and the external call
// surface.
package call

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hako/durafmt"

	"github.com/mqy/minichat/clock"
	"github.com/mqy/minichat/wire"
)

type State int

const (
	Idle State = iota
	OutgoingRinging
	IncomingRinging
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OutgoingRinging:
		return "outgoing-ringing"
	case IncomingRinging:
		return "incoming-ringing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

const (
	TypeVoice = "voice"
	TypeVideo = "video"
)

// how long an unanswered incoming request rings before auto-reject.
const incomingTimeout = 30 * time.Second

var (
	ErrCallInProgress = errors.New("call: another call is in progress")
	ErrNoIncomingCall = errors.New("call: no incoming call to answer")
)

// Session is the state of the single active call.
type Session struct {
	State        State
	Type         string // TypeVoice | TypeVideo
	RoomURL      string
	Counterparty string // caller or callee identity, group name for groups
	IsGroup      bool
	IsInitiator  bool
	StartedAt    int64 // epoch ms, set when connected is reached
	Err          string
}

// Provisioner creates call rooms by name and returns their URL.
type Provisioner interface {
	CreateRoom(name string) (string, error)
}

// Signaler is how the controller reaches the rest of the client: it
// emits call control records over the transport and appends the final
// call log to the conversation.
type Signaler interface {
	SendControl(to string, group bool, rec *wire.Record) error
	AppendCallLog(to string, group bool, text string)
}

// Controller is the one-call-at-a-time signaling state machine.
type Controller struct {
	sync.Mutex

	self  string
	rooms Provisioner
	sig   Signaler
	clk   clock.Clock

	sess         *Session
	logSent      bool // per-session call-log latch
	cancelReject chan struct{}
	lastErr      string
}

func NewController(self string, rooms Provisioner, sig Signaler, clk clock.Clock) *Controller {
	return &Controller{self: self, rooms: rooms, sig: sig, clk: clk}
}

// roomName derives the deterministic provisioning name: the sorted pair
// of identities for direct calls, the group id for group calls, plus a
// timestamp so reprovisioning never collides with a stale room.
func (c *Controller) roomName(counterparty string, group bool) string {
	ts := c.clk.Now().Unix()
	if group {
		return fmt.Sprintf("%s-%d", counterparty, ts)
	}
	pair := []string{c.self, counterparty}
	sort.Strings(pair)
	return fmt.Sprintf("%s-%s-%d", pair[0], pair[1], ts)
}

// Start provisions a room and rings the counterparty (or group).
// On provisioning failure the controller stays idle and the error is
// surfaced through Err().
func (c *Controller) Start(callType, counterparty string, group bool) error {
	c.Lock()
	if c.sess != nil {
		c.Unlock()
		return ErrCallInProgress
	}
	c.lastErr = ""
	c.Unlock()

	roomURL, err := c.rooms.CreateRoom(c.roomName(counterparty, group))
	if err != nil {
		glog.Errorf("call: provision room for %s: %v", counterparty, err)
		c.Lock()
		c.lastErr = fmt.Sprintf("could not create call room: %v", err)
		c.Unlock()
		return err
	}

	// an incoming request may have landed while the room was being
	// provisioned; it keeps the session
	c.Lock()
	if c.sess != nil {
		c.Unlock()
		return ErrCallInProgress
	}
	sess := &Session{
		State:        OutgoingRinging,
		Type:         callType,
		RoomURL:      roomURL,
		Counterparty: counterparty,
		IsGroup:      group,
		IsInitiator:  true,
	}
	c.sess = sess
	c.logSent = false
	c.Unlock()

	rec := &wire.Record{
		Kind: wire.KindCallRequest,
		Call: &wire.CallControl{
			CallType: callType,
			RoomURL:  roomURL,
			From:     c.self,
			IsGroup:  group,
		},
	}
	if group {
		rec.Call.GroupName = counterparty
	}
	if err := c.sig.SendControl(counterparty, group, rec); err != nil {
		c.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		c.lastErr = fmt.Sprintf("could not signal call: %v", err)
		c.Unlock()
		return err
	}

	glog.V(5).Infof("call: outgoing %s call to %s ringing", callType, counterparty)
	return nil
}

// HandleControl consumes an inbound call control record.
func (c *Controller) HandleControl(from string, rec *wire.Record) {
	if rec.Call == nil {
		return
	}
	switch rec.Kind {
	case wire.KindCallRequest:
		c.onRequest(from, rec.Call)
	case wire.KindCallAccepted:
		c.Lock()
		if c.sess != nil && c.sess.State == OutgoingRinging {
			c.sess.State = Connecting
			glog.V(5).Infof("call: %s accepted, connecting", from)
		}
		c.Unlock()
	case wire.KindCallRejected:
		c.Lock()
		ringing := c.sess != nil && c.sess.State == OutgoingRinging
		c.Unlock()
		if ringing {
			glog.V(5).Infof("call: %s rejected", from)
			c.End()
		}
	case wire.KindCallSignal:
		// opaque surface-to-surface payload, nothing for us to do
		glog.V(5).Infof("call: pass-through signal from %s", from)
	}
}

func (c *Controller) onRequest(from string, ctl *wire.CallControl) {
	c.Lock()
	if c.sess != nil {
		c.Unlock()
		glog.V(5).Infof("call: ignore request from %s while %s", from, c.sess.State)
		return
	}
	counterparty := from
	if ctl.From != "" {
		counterparty = ctl.From
	}
	c.sess = &Session{
		State:        IncomingRinging,
		Type:         ctl.CallType,
		RoomURL:      ctl.RoomURL,
		Counterparty: counterparty,
		IsGroup:      ctl.IsGroup,
	}
	if ctl.IsGroup {
		c.sess.Counterparty = ctl.GroupName
	}
	c.logSent = false
	sess := c.sess
	cancel := make(chan struct{})
	c.cancelReject = cancel
	c.Unlock()

	glog.V(5).Infof("call: incoming %s call from %s", ctl.CallType, counterparty)

	go func() {
		select {
		case <-cancel:
		case <-c.clk.After(incomingTimeout):
			c.Lock()
			if c.sess == sess && sess.State == IncomingRinging {
				// unanswered: back to idle without any record emitted
				glog.V(5).Infof("call: incoming call from %s timed out", counterparty)
				c.sess = nil
				c.cancelReject = nil
			}
			c.Unlock()
		}
	}()
}

// Accept answers the ringing incoming call. The stored room reference
// must be a valid URL, otherwise the session stays put with Err set.
func (c *Controller) Accept() error {
	c.Lock()
	if c.sess == nil || c.sess.State != IncomingRinging {
		c.Unlock()
		return ErrNoIncomingCall
	}
	u, err := url.Parse(c.sess.RoomURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		c.sess.Err = fmt.Sprintf("invalid call room %q", c.sess.RoomURL)
		c.Unlock()
		return fmt.Errorf("call: invalid room url %q", c.sess.RoomURL)
	}
	sess := c.sess
	c.Unlock()

	rec := &wire.Record{
		Kind: wire.KindCallAccepted,
		Call: &wire.CallControl{CallType: sess.Type, RoomURL: sess.RoomURL, From: c.self},
	}
	// the reject timer keeps running until the accept is on the wire,
	// so a failed send leaves the call ringing with its timeout intact
	if err := c.sig.SendControl(sess.Counterparty, sess.IsGroup, rec); err != nil {
		return err
	}

	c.Lock()
	if c.sess == sess {
		c.stopRejectTimerLocked()
		c.sess.State = Connecting
	}
	c.Unlock()
	return nil
}

// Reject declines the ringing incoming call.
func (c *Controller) Reject() error {
	c.Lock()
	if c.sess == nil || c.sess.State != IncomingRinging {
		c.Unlock()
		return ErrNoIncomingCall
	}
	sess := c.sess
	c.stopRejectTimerLocked()
	c.sess = nil
	c.Unlock()

	rec := &wire.Record{
		Kind: wire.KindCallRejected,
		Call: &wire.CallControl{CallType: sess.Type, From: c.self},
	}
	return c.sig.SendControl(sess.Counterparty, sess.IsGroup, rec)
}

// Joined is reported by the external call surface once the user is in
// the room.
func (c *Controller) Joined() {
	c.Lock()
	if c.sess != nil && c.sess.State == Connecting {
		c.sess.State = Connected
		c.sess.StartedAt = c.clk.Now().UnixMilli()
	}
	c.Unlock()
}

// Left is reported by the external call surface when the user leaves.
func (c *Controller) Left() { c.End() }

// End terminates the active call. If this side initiated and a call log
// has not been emitted for this session, exactly one call_log record is
// emitted summarizing duration or missed status. The latch is session
// local: it does not survive a rebuilt controller.
func (c *Controller) End() {
	c.Lock()
	sess := c.sess
	if sess == nil {
		c.Unlock()
		return
	}
	c.stopRejectTimerLocked()
	emitLog := sess.IsInitiator && !c.logSent
	if emitLog {
		c.logSent = true
	}
	c.sess = nil
	c.Unlock()

	if !emitLog {
		return
	}

	var text string
	if sess.StartedAt > 0 {
		d := time.Duration(c.clk.Now().UnixMilli()-sess.StartedAt) * time.Millisecond
		text = fmt.Sprintf("%s call, %s", title(sess.Type),
			durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String())
	} else {
		text = fmt.Sprintf("Missed %s call", sess.Type)
	}
	c.sig.AppendCallLog(sess.Counterparty, sess.IsGroup, text)
}

// SurfaceError takes an error reported by the external call surface.
// Errors about its internal cross-window message channel are noise and
// dropped; anything else surfaces and, while still connecting, resets
// the session.
func (c *Controller) SurfaceError(msg string) {
	if strings.Contains(strings.ToLower(msg), "message channel") {
		glog.V(5).Infof("call: ignore surface channel error: %s", msg)
		return
	}
	c.Lock()
	c.lastErr = msg
	if c.sess != nil {
		c.sess.Err = msg
		if c.sess.State == Connecting {
			c.stopRejectTimerLocked()
			c.sess = nil
		}
	}
	c.Unlock()
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (c *Controller) stopRejectTimerLocked() {
	if c.cancelReject != nil {
		close(c.cancelReject)
		c.cancelReject = nil
	}
}

// Session returns a copy of the active session, or nil when idle.
func (c *Controller) Session() *Session {
	c.Lock()
	defer c.Unlock()
	if c.sess == nil {
		return nil
	}
	cp := *c.sess
	return &cp
}

// Err returns the last surfaced call error.
func (c *Controller) Err() string {
	c.Lock()
	defer c.Unlock()
	return c.lastErr
}
