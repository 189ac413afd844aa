// Package transport owns the single duplex websocket connection to the
// chat backend: connect/reconnect, the keep-alive query, and fan-out of
// inbound events to subscribers by event name.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Fixed delay between reconnect attempts. Retries are unbounded:
	// no backoff growth, no attempt ceiling.
	DefaultReconnectDelay = 3 * time.Second

	// Keep-alive period. The heartbeat is a cheap idempotent query,
	// indistinguishable from a normal request on the wire.
	DefaultHeartbeatPeriod = 60 * time.Second

	// websocket max message size to read. History pages are the
	// largest inbound frames.
	readLimit = 1 << 20

	actionChat     = "onchat"
	heartbeatEvent = "GET_USER_LIST"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var ErrNotConnected = errors.New("transport: not connected")

// Event is one decoded inbound envelope.
type Event struct {
	Event  string          `json:"event"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler consumes inbound events for one event name.
type Handler func(ev *Event)

// outer outgoing envelope.
type envelope struct {
	Action string    `json:"action"`
	Data   clientMsg `json:"data"`
}

type clientMsg struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type subscription struct {
	id int
	fn Handler
}

type Conf struct {
	URL             string
	ReconnectDelay  time.Duration
	HeartbeatPeriod time.Duration
}

// Transport multiplexes the chat connection. Handlers for a matching
// event name run in registration order, on the receive goroutine.
type Transport struct {
	sync.Mutex

	conf Conf

	conn      *websocket.Conn
	connected bool
	closing   bool

	nextSub  int
	handlers map[string][]subscription

	reconnecting bool
	hbOnce       sync.Once
	done         chan struct{}

	// OnConnect, when set, runs after every successful (re)connect,
	// e.g. to RE_LOGIN the session.
	OnConnect func()
}

func New(conf Conf) *Transport {
	if conf.ReconnectDelay <= 0 {
		conf.ReconnectDelay = DefaultReconnectDelay
	}
	if conf.HeartbeatPeriod <= 0 {
		conf.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	return &Transport{
		conf:     conf,
		handlers: make(map[string][]subscription),
		done:     make(chan struct{}),
	}
}

// Connect opens the connection unless a healthy one is already open.
func (t *Transport) Connect() error {
	t.Lock()
	if t.closing {
		t.Unlock()
		return errors.New("transport: closed")
	}
	if t.connected {
		t.Unlock()
		return nil
	}
	t.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(t.conf.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %v", t.conf.URL, err)
	}
	conn.SetReadLimit(readLimit)

	t.Lock()
	if t.closing {
		t.Unlock()
		conn.Close()
		return errors.New("transport: closed")
	}
	t.conn = conn
	t.connected = true
	onConnect := t.OnConnect
	t.Unlock()

	glog.Infof("transport: connected to %s", t.conf.URL)

	go t.recvLoop(conn)
	t.hbOnce.Do(func() { go t.heartbeatLoop() })

	if onConnect != nil {
		go onConnect()
	}
	return nil
}

// Send serializes {event, data} into the outer envelope and writes it.
// While disconnected it kicks off a reconnect and fails: there is no
// send queue, the caller must resend after the connection is back.
func (t *Transport) Send(event string, data interface{}) error {
	return t.send(event, data, false)
}

func (t *Transport) send(event string, data interface{}, quiet bool) error {
	t.Lock()
	conn := t.conn
	ok := t.connected
	t.Unlock()

	if !ok || conn == nil {
		droppedSends.Inc()
		glog.V(5).Infof("transport: drop send %s: not connected", event)
		t.scheduleReconnect()
		return ErrNotConnected
	}

	out, err := json.Marshal(&envelope{
		Action: actionChat,
		Data:   clientMsg{Event: event, Data: data},
	})
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %v", event, err)
	}

	if !quiet && bool(glog.V(5)) {
		glog.Infof("transport: send %s: %s", event, truncate(string(out)))
	}

	t.Lock()
	defer t.Unlock()
	if t.conn != conn {
		droppedSends.Inc()
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		glog.Errorf("transport: write %s: %v", event, err)
		return err
	}
	sends.WithLabelValues(event).Inc()
	return nil
}

// On registers a handler for the inbound event name and returns a
// subscription id for Off.
func (t *Transport) On(event string, h Handler) int {
	t.Lock()
	defer t.Unlock()
	t.nextSub++
	t.handlers[event] = append(t.handlers[event], subscription{id: t.nextSub, fn: h})
	return t.nextSub
}

// Off unregisters a subscription.
func (t *Transport) Off(event string, id int) {
	t.Lock()
	defer t.Unlock()
	subs := t.handlers[event]
	for i, s := range subs {
		if s.id == id {
			t.handlers[event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (t *Transport) recvLoop(conn *websocket.Conn) {
	defer glog.V(5).Info("transport: recv loop exited")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Lock()
			closing := t.closing
			if t.conn == conn {
				t.conn = nil
				t.connected = false
			}
			t.Unlock()
			if closing {
				return
			}
			glog.Errorf("transport: read error: %v", err)
			t.scheduleReconnect()
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			glog.Errorf("transport: bad inbound envelope: %s: %v", truncate(string(raw)), err)
			continue
		}
		receives.WithLabelValues(ev.Event).Inc()
		glog.V(5).Infof("transport: recv %s status=%s", ev.Event, ev.Status)
		t.dispatch(&ev)
	}
}

func (t *Transport) dispatch(ev *Event) {
	t.Lock()
	subs := append([]subscription(nil), t.handlers[ev.Event]...)
	t.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// scheduleReconnect starts the fixed-delay retry loop unless one is
// already running. It stops only on deliberate teardown.
func (t *Transport) scheduleReconnect() {
	t.Lock()
	if t.reconnecting || t.closing {
		t.Unlock()
		return
	}
	t.reconnecting = true
	t.Unlock()

	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-time.After(t.conf.ReconnectDelay):
			}
			reconnects.Inc()
			if err := t.Connect(); err != nil {
				glog.Errorf("transport: reconnect: %v", err)
				continue
			}
			t.Lock()
			t.reconnecting = false
			t.Unlock()
			return
		}
	}()
}

func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(t.conf.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// quiet: the heartbeat would drown V(5) logs
			if err := t.send(heartbeatEvent, nil, true); err != nil && err != ErrNotConnected {
				glog.Errorf("transport: heartbeat: %v", err)
			}
		}
	}
}

// Close tears the transport down for good.
func (t *Transport) Close() {
	t.Lock()
	if t.closing {
		t.Unlock()
		return
	}
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.Unlock()

	close(t.done)
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
	}
}

// Connected reports whether the channel is currently open.
func (t *Transport) Connected() bool {
	t.Lock()
	defer t.Unlock()
	return t.connected
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + " ..."
	}
	return s
}
