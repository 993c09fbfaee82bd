// Package store keeps per-episode summaries in a bbolt database, keyed by the
// episode id assigned on reset.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"flexipod/pkg/protocol"
)

var episodesBucket = []byte("episodes")

// Episode summarizes one reset-to-done run.
type Episode struct {
	ID          string    `msgpack:"id"`
	Started     time.Time `msgpack:"started"`
	Ended       time.Time `msgpack:"ended"`
	Steps       int       `msgpack:"steps"`
	Return      float64   `msgpack:"return"`
	Done        bool      `msgpack:"done"`
	FinalHeight float64   `msgpack:"final_height"`
	SimTime     float64   `msgpack:"sim_time"`
}

type Store struct {
	db      *bbolt.DB
	onError func(error)
}

type Option func(*Store)

func WithErrorHandler(fn func(error)) Option {
	return func(s *Store) {
		if fn != nil {
			s.onError = fn
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open episode store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(episodesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init episode store: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ep Episode) error {
	if ep.ID == "" {
		return errors.New("episode has no id")
	}
	data, err := msgpack.Marshal(&ep)
	if err != nil {
		return fmt.Errorf("encode episode %s: %w", ep.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(episodesBucket).Put([]byte(ep.ID), data)
	})
}

func (s *Store) Get(id string) (Episode, bool, error) {
	var (
		ep    Episode
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(episodesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &ep)
	})
	if err != nil {
		return Episode{}, false, fmt.Errorf("read episode %s: %w", id, err)
	}
	return ep, found, nil
}

// List returns up to limit episodes, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Episode, error) {
	var out []Episode
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(episodesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ep Episode
			if err := msgpack.Unmarshal(v, &ep); err != nil {
				return fmt.Errorf("decode episode %s: %w", k, err)
			}
			out = append(out, ep)
		}
		return nil
	})
	return out, err
}

// Consume folds transitions into episode summaries. An episode is written
// when a step reports done, when the next reset starts, or when in closes.
func (s *Store) Consume(ctx context.Context, in <-chan protocol.Transition) {
	var cur *Episode
	flush := func() {
		if cur == nil {
			return
		}
		if err := s.Put(*cur); err != nil && s.onError != nil {
			s.onError(err)
		}
		cur = nil
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-in:
			if !ok {
				return
			}
			switch tr.Kind {
			case protocol.TransitionReset:
				flush()
				cur = &Episode{ID: tr.Episode, Started: tr.Timestamp, Ended: tr.Timestamp}
			case protocol.TransitionStep:
				if cur == nil || cur.ID != tr.Episode {
					flush()
					cur = &Episode{ID: tr.Episode, Started: tr.Timestamp}
				}
				cur.Steps++
				cur.Return += tr.Reward
				cur.Ended = tr.Timestamp
				cur.SimTime = tr.Frame.SimTime
				if len(tr.Frame.ComPos) > 2 {
					cur.FinalHeight = tr.Frame.ComPos[2]
				}
				if tr.Done {
					cur.Done = true
					flush()
				}
			}
		}
	}
}
