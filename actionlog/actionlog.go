// Package actionlog persists delete/recall/restore action history in a
// local bbolt file, independent of the live conversation log. Entries
// are keyed by a content fingerprint of the message so the history
// survives restarts and does not depend on server-assigned ids.
package actionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var bucketActions = []byte("actions")

type Action string

const (
	ActionDelete  Action = "delete_for_me"
	ActionRecall  Action = "recall"
	ActionRestore Action = "restore_for_me"
)

// Entry is one recorded moderation action.
type Entry struct {
	Action    Action `cbor:"1,keyasint"`
	ChatKey   string `cbor:"2,keyasint"`
	MessageID string `cbor:"3,keyasint"`
	Sender    string `cbor:"4,keyasint"`
	Body      string `cbor:"5,keyasint,omitempty"`
	At        int64  `cbor:"6,keyasint"` // epoch ms of the action
}

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("actionlog: open %s: %v", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketActions)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("actionlog: init %s: %v", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Fingerprint derives the stable content key of a message: sender,
// creation instant and payload body.
func Fingerprint(sender string, createdAt int64, body string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", sender, createdAt, body)))
	return hex.EncodeToString(h[:])
}

// Record stores an entry under the message fingerprint. A later action
// on the same message overwrites the earlier one: the history keeps the
// final verdict, restore after delete leaves a restore entry.
func (s *Store) Record(fp string, e *Entry) error {
	val, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("actionlog: marshal entry: %v", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketActions).Put([]byte(fp), val)
	})
	if err != nil {
		return fmt.Errorf("actionlog: put %s: %v", fp, err)
	}
	glog.V(5).Infof("actionlog: %s recorded for %s", e.Action, fp)
	return nil
}

// Lookup returns the entry for a fingerprint, or nil.
func (s *Store) Lookup(fp string) (*Entry, error) {
	var out *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketActions).Get([]byte(fp))
		if val == nil {
			return nil
		}
		var e Entry
		if err := cbor.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("unmarshal: %v", err)
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("actionlog: get %s: %v", fp, err)
	}
	return out, nil
}

// List returns all recorded entries.
func (s *Store) List() ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				glog.Errorf("actionlog: skip corrupt entry %x: %v", k, err)
				return nil
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
