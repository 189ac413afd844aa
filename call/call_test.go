package call

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/clock"
	"github.com/mqy/minichat/wire"
)

type fakeRooms struct {
	url  string
	err  error
	name string
}

func (f *fakeRooms) CreateRoom(name string) (string, error) {
	f.name = name
	return f.url, f.err
}

type fakeSignaler struct {
	mu      sync.Mutex
	sent    []*wire.Record
	sendErr error
	logs    []string
}

func (f *fakeSignaler) SendControl(to string, group bool, rec *wire.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, rec)
	return nil
}

func (f *fakeSignaler) AppendCallLog(to string, group bool, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, text)
}

func (f *fakeSignaler) sentRecords() []*wire.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Record{}, f.sent...)
}

func (f *fakeSignaler) callLogs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.logs...)
}

func newFixture() (*Controller, *fakeRooms, *fakeSignaler, *clock.Fake) {
	rooms := &fakeRooms{url: "https://calls.example.com/r/abc"}
	sig := &fakeSignaler{}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	return NewController("alice", rooms, sig, clk), rooms, sig, clk
}

func incomingRequest(from, callType string) *wire.Record {
	return &wire.Record{
		Kind: wire.KindCallRequest,
		Call: &wire.CallControl{CallType: callType, RoomURL: "https://calls.example.com/r/z", From: from},
	}
}

func TestStartProvisionsAndRings(t *testing.T) {
	c, rooms, sig, _ := newFixture()

	require.NoError(t, c.Start(TypeVoice, "bob", false))

	// sorted identity pair plus a timestamp
	assert.True(t, strings.HasPrefix(rooms.name, "alice-bob-"), rooms.name)

	sent := sig.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.KindCallRequest, sent[0].Kind)
	assert.Equal(t, TypeVoice, sent[0].Call.CallType)
	assert.Equal(t, "alice", sent[0].Call.From)
	assert.False(t, sent[0].Call.IsGroup)

	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, OutgoingRinging, sess.State)
	assert.True(t, sess.IsInitiator)
}

func TestStartGroupCarriesGroupName(t *testing.T) {
	c, rooms, sig, _ := newFixture()

	require.NoError(t, c.Start(TypeVideo, "dev", true))
	assert.True(t, strings.HasPrefix(rooms.name, "dev-"), rooms.name)

	sent := sig.sentRecords()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Call.IsGroup)
	assert.Equal(t, "dev", sent[0].Call.GroupName)
}

func TestProvisionFailureStaysIdle(t *testing.T) {
	c, rooms, sig, _ := newFixture()
	rooms.err = errors.New("503 from room service")

	require.Error(t, c.Start(TypeVoice, "bob", false))
	assert.Nil(t, c.Session())
	assert.Contains(t, c.Err(), "could not create call room")
	assert.Empty(t, sig.sentRecords(), "no request record without a room")

	// a later attempt is not blocked
	rooms.err = nil
	require.NoError(t, c.Start(TypeVoice, "bob", false))
	assert.Empty(t, c.Err())
}

func TestSecondStartRejected(t *testing.T) {
	c, _, _, _ := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))
	assert.ErrorIs(t, c.Start(TypeVoice, "carol", false), ErrCallInProgress)
}

func TestOutgoingAcceptedThenConnected(t *testing.T) {
	c, _, _, clk := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))

	c.HandleControl("bob", &wire.Record{
		Kind: wire.KindCallAccepted,
		Call: &wire.CallControl{CallType: TypeVoice, From: "bob"},
	})
	assert.Equal(t, Connecting, c.Session().State)

	c.Joined()
	sess := c.Session()
	assert.Equal(t, Connected, sess.State)
	assert.Equal(t, clk.Now().UnixMilli(), sess.StartedAt)
}

func TestOutgoingRejectedEmitsMissedLog(t *testing.T) {
	c, _, sig, _ := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))

	c.HandleControl("bob", &wire.Record{
		Kind: wire.KindCallRejected,
		Call: &wire.CallControl{CallType: TypeVoice, From: "bob"},
	})

	assert.Nil(t, c.Session())
	assert.Equal(t, []string{"Missed voice call"}, sig.callLogs())
}

func TestCallLogEmittedExactlyOnce(t *testing.T) {
	c, _, sig, clk := newFixture()
	require.NoError(t, c.Start(TypeVideo, "bob", false))

	c.HandleControl("bob", &wire.Record{
		Kind: wire.KindCallAccepted,
		Call: &wire.CallControl{CallType: TypeVideo, From: "bob"},
	})
	c.Joined()
	clk.Advance(62 * time.Second)

	c.Left()
	c.End() // second end is a no-op

	logs := sig.callLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "Video call, 1 minute 2 seconds", logs[0])
}

func TestCalleeNeverEmitsLog(t *testing.T) {
	c, _, sig, _ := newFixture()

	c.HandleControl("bob", incomingRequest("bob", TypeVoice))
	require.NoError(t, c.Accept())
	c.Joined()
	c.Left()

	assert.Empty(t, sig.callLogs(), "the summary comes from the initiator")
}

func TestIncomingRequestRingsAndTimesOutSilently(t *testing.T) {
	c, _, sig, clk := newFixture()

	c.HandleControl("bob", incomingRequest("bob", TypeVoice))
	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, IncomingRinging, sess.State)
	assert.Equal(t, "bob", sess.Counterparty)

	clk.BlockUntil(1)
	clk.Advance(incomingTimeout)

	require.Eventually(t, func() bool {
		return c.Session() == nil
	}, time.Second, time.Millisecond)
	assert.Empty(t, sig.sentRecords(), "timeout resets without any record")
	assert.Empty(t, sig.callLogs())
}

// racingRooms runs a hook inside CreateRoom, standing in for traffic
// that arrives while provisioning is in flight.
type racingRooms struct {
	url    string
	inject func()
}

func (r *racingRooms) CreateRoom(name string) (string, error) {
	if r.inject != nil {
		r.inject()
	}
	return r.url, nil
}

func TestIncomingDuringProvisioningWins(t *testing.T) {
	rooms := &racingRooms{url: "https://calls.example.com/r/abc"}
	sig := &fakeSignaler{}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := NewController("alice", rooms, sig, clk)
	rooms.inject = func() {
		c.HandleControl("carol", incomingRequest("carol", TypeVoice))
	}

	assert.ErrorIs(t, c.Start(TypeVoice, "bob", false), ErrCallInProgress)

	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, IncomingRinging, sess.State, "carol's ring survives")
	assert.Equal(t, "carol", sess.Counterparty)
	assert.Empty(t, sig.sentRecords(), "no outgoing ring over the live incoming call")

	// and the incoming call is still answerable
	require.NoError(t, c.Accept())
	assert.Equal(t, Connecting, c.Session().State)
}

func TestStartSendFailureRollsBackSession(t *testing.T) {
	c, _, sig, _ := newFixture()
	sig.sendErr = errors.New("write: broken pipe")

	require.Error(t, c.Start(TypeVoice, "bob", false))
	assert.Nil(t, c.Session())
	assert.Contains(t, c.Err(), "could not signal call")
}

func TestIncomingIgnoredWhileBusy(t *testing.T) {
	c, _, _, _ := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))

	c.HandleControl("carol", incomingRequest("carol", TypeVideo))
	sess := c.Session()
	assert.Equal(t, OutgoingRinging, sess.State)
	assert.Equal(t, "bob", sess.Counterparty)
}

func TestAcceptSendsAcceptedAndConnects(t *testing.T) {
	c, _, sig, _ := newFixture()

	c.HandleControl("bob", incomingRequest("bob", TypeVideo))
	require.NoError(t, c.Accept())

	sent := sig.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.KindCallAccepted, sent[0].Kind)
	assert.Equal(t, "https://calls.example.com/r/z", sent[0].Call.RoomURL)
	assert.Equal(t, Connecting, c.Session().State)
}

func TestAcceptInvalidRoomURLFailsInPlace(t *testing.T) {
	c, _, sig, _ := newFixture()

	rec := incomingRequest("bob", TypeVoice)
	rec.Call.RoomURL = "not a url"
	c.HandleControl("bob", rec)

	require.Error(t, c.Accept())
	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, IncomingRinging, sess.State, "session stays answerable")
	assert.Contains(t, sess.Err, "invalid call room")
	assert.Empty(t, sig.sentRecords())
}

func TestAcceptSendFailureKeepsRingingWithTimeout(t *testing.T) {
	c, _, sig, clk := newFixture()

	c.HandleControl("bob", incomingRequest("bob", TypeVoice))
	sig.sendErr = errors.New("write: broken pipe")

	require.Error(t, c.Accept())
	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, IncomingRinging, sess.State, "call stays answerable")

	// the unanswered-call timeout is still armed
	clk.BlockUntil(1)
	clk.Advance(incomingTimeout)
	require.Eventually(t, func() bool {
		return c.Session() == nil
	}, time.Second, time.Millisecond)
}

func TestRejectSendsRejectedAndClears(t *testing.T) {
	c, _, sig, _ := newFixture()

	c.HandleControl("bob", incomingRequest("bob", TypeVoice))
	require.NoError(t, c.Reject())

	sent := sig.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.KindCallRejected, sent[0].Kind)
	assert.Nil(t, c.Session())

	assert.ErrorIs(t, c.Reject(), ErrNoIncomingCall)
	assert.ErrorIs(t, c.Accept(), ErrNoIncomingCall)
}

func TestGroupRequestUsesGroupNameAsCounterparty(t *testing.T) {
	c, _, _, _ := newFixture()

	rec := incomingRequest("bob", TypeVoice)
	rec.Call.IsGroup = true
	rec.Call.GroupName = "dev"
	c.HandleControl("bob", rec)

	sess := c.Session()
	require.NotNil(t, sess)
	assert.True(t, sess.IsGroup)
	assert.Equal(t, "dev", sess.Counterparty)
}

func TestSurfaceErrorFiltersChannelNoise(t *testing.T) {
	c, _, _, _ := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))

	c.SurfaceError("Uncaught TypeError: message channel closed before a response was received")
	assert.Empty(t, c.Err())
	assert.NotNil(t, c.Session())

	c.SurfaceError("camera permission denied")
	assert.Equal(t, "camera permission denied", c.Err())
}

func TestSurfaceErrorWhileConnectingResets(t *testing.T) {
	c, _, _, _ := newFixture()
	require.NoError(t, c.Start(TypeVoice, "bob", false))
	c.HandleControl("bob", &wire.Record{
		Kind: wire.KindCallAccepted,
		Call: &wire.CallControl{CallType: TypeVoice, From: "bob"},
	})
	require.Equal(t, Connecting, c.Session().State)

	c.SurfaceError("room join failed")
	assert.Nil(t, c.Session())
	assert.Equal(t, "room join failed", c.Err())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(99).String())
}
