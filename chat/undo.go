package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/clock"
)

const (
	// window during which a staged delete can be reversed.
	undoWindow = 5 * time.Second

	// how long the "success" state stays visible after an undo.
	undoClearDelay = 1200 * time.Millisecond
)

type UndoStatus string

const (
	UndoPending UndoStatus = "pending"
	UndoSuccess UndoStatus = "success"
)

// PendingUndo is the staged state of one deferred deletion.
type PendingUndo struct {
	Key          Key
	Message      *Message
	RestoreIndex int
	SecondsLeft  int
	Status       UndoStatus
}

// Undo defers a local delete-for-me, allowing the user to reverse it
// within a fixed window. The deletion itself happens at stage time;
// undo is a local compensating reinsert plus a restore record sent to
// the counterpart.
type Undo struct {
	sync.Mutex

	store *Store
	clk   clock.Clock

	pending *PendingUndo
	cancel  chan struct{}

	// OnRestore, when set, is invoked after a successful undo so the
	// engine can emit the restore_for_me record.
	OnRestore func(key Key, m *Message)

	// OnTick, when set, receives the remaining seconds at 1Hz for
	// countdown display.
	OnTick func(secondsLeft int)
}

func NewUndo(store *Store, clk clock.Clock) *Undo {
	return &Undo{store: store, clk: clk}
}

// Stage removes the message from the store and starts the countdown.
// Staging while another delete is pending finalizes the previous one.
func (u *Undo) Stage(key Key, id string) error {
	m, index, ok := u.store.Remove(key, id)
	if !ok {
		return fmt.Errorf("chat: cannot stage delete of %s: not found or unconfirmed", id)
	}

	u.Lock()
	if u.cancel != nil {
		close(u.cancel)
	}
	cancel := make(chan struct{})
	u.cancel = cancel
	u.pending = &PendingUndo{
		Key:          key,
		Message:      m,
		RestoreIndex: index,
		SecondsLeft:  int(undoWindow / time.Second),
		Status:       UndoPending,
	}
	u.Unlock()

	go u.countdown(cancel)
	return nil
}

func (u *Undo) countdown(cancel chan struct{}) {
	ticker := u.clk.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C():
			u.Lock()
			if u.pending == nil || u.pending.Status != UndoPending {
				u.Unlock()
				return
			}
			u.pending.SecondsLeft--
			left := u.pending.SecondsLeft
			expired := left <= 0
			if expired {
				glog.V(5).Infof("undo: window expired for message %s", u.pending.Message.ID)
				u.pending = nil
				u.cancel = nil
			}
			tick := u.OnTick
			u.Unlock()

			if tick != nil && !expired {
				tick(left)
			}
			if expired {
				return
			}
		}
	}
}

// Do reverses the staged deletion: cancels the countdown, reinserts the
// message at its remembered index and notifies the engine. The success
// state auto-clears shortly after.
func (u *Undo) Do() bool {
	u.Lock()
	if u.pending == nil || u.pending.Status != UndoPending {
		u.Unlock()
		return false
	}
	p := u.pending
	close(u.cancel)
	u.cancel = nil
	p.Status = UndoSuccess
	restore := u.OnRestore
	u.Unlock()

	u.store.InsertAt(p.Key, p.RestoreIndex, p.Message)
	if restore != nil {
		restore(p.Key, p.Message)
	}

	go func() {
		<-u.clk.After(undoClearDelay)
		u.Lock()
		if u.pending == p {
			u.pending = nil
		}
		u.Unlock()
	}()
	return true
}

// Pending returns a copy of the staged state, or nil.
func (u *Undo) Pending() *PendingUndo {
	u.Lock()
	defer u.Unlock()
	if u.pending == nil {
		return nil
	}
	cp := *u.pending
	return &cp
}
