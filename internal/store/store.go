// Package store persists enrolled users and their login history in Badger.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/user/biometric-embedder/internal/features"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrUsernameExists = errors.New("store: username already registered")
)

// Login methods recorded in the history.
const (
	MethodFace   = "face"
	MethodVoice  = "voice"
	MethodLogout = "logout"
)

// VoiceProfile is the enrolled voice of a user.
type VoiceProfile struct {
	Embedding []float32
	Features  features.Summary
}

type User struct {
	ID            string
	Username      string
	Email         string
	FaceEmbedding []float32
	Voice         *VoiceProfile
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type LoginEvent struct {
	ID             string
	UserID         string
	Method         string
	Success        bool
	Similarity     float64
	BiometricScore float64
	ClientIP       string
	At             time.Time
}

// Store is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the store at dir, or an in-memory store when dir is empty.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	log.Info().
		Str("dir", dir).
		Bool("in_memory", dir == "").
		Msg("Opened biometric store")

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func userKey(username string) []byte { return []byte("user/" + strings.ToLower(username)) }
func userIDKey(id string) []byte     { return []byte("uid/" + id) }
func historyPrefix(userID string) []byte {
	return []byte("login/" + userID + "/")
}

func historyKey(userID string, at time.Time, id string) []byte {
	return fmt.Appendf(historyPrefix(userID), "%020d/%s", at.UnixNano(), id)
}

// GetUser looks a user up by username, case-insensitively.
func (s *Store) GetUser(_ context.Context, username string) (*User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, userKey(username), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userIDKey(id))
		if err != nil {
			return notFound(err)
		}
		username, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getValue(txn, userKey(string(username)), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUser creates u when it has no ID and updates it otherwise. A new user
// gets a fresh ID and creation time; creating a username that is already
// taken fails with ErrUsernameExists.
func (s *Store) SaveUser(_ context.Context, u *User) error {
	now := time.Now().UTC()
	creating := u.ID == ""

	saved := *u
	if creating {
		saved.ID = uuid.NewString()
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now

	err := s.db.Update(func(txn *badger.Txn) error {
		key := userKey(u.Username)
		if creating {
			_, err := txn.Get(key)
			if err == nil {
				return ErrUsernameExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		data, err := msgpack.Marshal(&saved)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(userIDKey(saved.ID), []byte(strings.ToLower(saved.Username))); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	*u = saved

	log.Debug().
		Str("user_id", u.ID).
		Str("username", u.Username).
		Bool("created", creating).
		Msg("Saved user")
	return nil
}

// AddLoginEvent appends e to its user's history, filling in ID and time
// when unset.
func (s *Store) AddLoginEvent(_ context.Context, e *LoginEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode login event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(e.UserID, e.At, e.ID), data)
	})
}

// LoginHistory returns up to limit events for userID, newest first. A
// non-positive limit returns every event.
func (s *Store) LoginHistory(_ context.Context, userID string, limit int) ([]LoginEvent, error) {
	prefix := historyPrefix(userID)
	var events []LoginEvent

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var e LoginEvent
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("failed to decode login event: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return notFound(err)
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, v)
	})
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// badgerLogger routes badger's warnings and errors through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msgf(strings.TrimSpace(f), v...)
}
func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(strings.TrimSpace(f), v...)
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
