package session

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	sessionBucket = []byte("session")
	currentKey    = []byte("current")
)

// Store persists the current session in a bbolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session db %s: %w", path, err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewStore uses an already open database.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(sess Session) error {
	data, err := sess.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(currentKey, data)
	})
}

// Get returns the stored session. A missing or unreadable entry is no
// session.
func (s *Store) Get() (Session, bool) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionBucket).Get(currentKey); v != nil {
			// v is only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		Logger.Warnf("reading stored session: %s", err)
		return Session{}, false
	}

	if data == nil {
		return Session{}, false
	}

	sess, err := Unmarshal(data)
	if err != nil {
		Logger.Warnf("ignoring stored session: %s", err)
		return Session{}, false
	}

	return sess, true
}

func (s *Store) Delete() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(currentKey)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
