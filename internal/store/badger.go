// ABOUTME: BadgerDB implementation of MessageLog with synchronous writes
// ABOUTME: Messages are stored under zero-padded sequence keys so prefix scans return append order

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements MessageLog on top of BadgerDB.
//
// Keys are "msg/<base64url(conversation key)>/<seq, 20 digits>" so a forward
// prefix scan yields messages in append order.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[ConversationKey]*badgerSeq
}

// badgerSeq tracks the last assigned sequence number for one conversation.
type badgerSeq struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

type badgerRecord struct {
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store.badger")

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Info("badger store initialized", "dir", dir)
	return &BadgerStore{
		db:     db,
		logger: logger,
		seqs:   make(map[ConversationKey]*badgerSeq),
	}, nil
}

func badgerPrefix(key ConversationKey) []byte {
	return []byte("msg/" + base64.RawURLEncoding.EncodeToString([]byte(key)) + "/")
}

func badgerKey(key ConversationKey, seq int64) []byte {
	return fmt.Appendf(badgerPrefix(key), "%020d", seq)
}

func (s *BadgerStore) seqFor(key ConversationKey) *badgerSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq, ok := s.seqs[key]
	if !ok {
		sq = &badgerSeq{}
		s.seqs[key] = sq
	}
	return sq
}

// lastSeq finds the highest stored sequence for key with a reverse seek.
func (s *BadgerStore) lastSeq(key ConversationKey) (int64, error) {
	var last int64
	prefix := badgerPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xFF sorts after every digit, so the seek lands on the last key.
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		n, err := strconv.ParseInt(string(it.Item().Key()[len(prefix):]), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing sequence key: %w", err)
		}
		last = n
		return nil
	})
	return last, err
}

// Append writes the record in its own transaction; SyncWrites makes the
// commit durable before it returns.
func (s *BadgerStore) Append(ctx context.Context, key ConversationKey, sender, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	sq := s.seqFor(key)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if !sq.loaded {
		last, err := s.lastSeq(key)
		if err != nil {
			return Message{}, err
		}
		sq.last = last
		sq.loaded = true
	}

	now := time.Now().UTC()
	value, err := json.Marshal(badgerRecord{Sender: sender, Body: body, At: now})
	if err != nil {
		return Message{}, fmt.Errorf("encoding record: %w", err)
	}

	seq := sq.last + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key, seq), value)
	})
	if err != nil {
		return Message{}, fmt.Errorf("writing record: %w", err)
	}
	sq.last = seq

	return Message{Seq: seq, Sender: sender, Body: body, CreatedAt: now}, nil
}

// ReadAll returns every message for key in append order.
func (s *BadgerStore) ReadAll(ctx context.Context, key ConversationKey) ([]Message, error) {
	return s.ReadSince(ctx, key, 0)
}

// ReadSince returns messages with Seq greater than afterSeq.
func (s *BadgerStore) ReadSince(ctx context.Context, key ConversationKey, afterSeq int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := []Message{}
	prefix := badgerPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(badgerKey(key, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seq, err := strconv.ParseInt(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing sequence key: %w", err)
			}
			var rec badgerRecord
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decoding record %d: %w", seq, err)
			}
			msgs = append(msgs, Message{Seq: seq, Sender: rec.Sender, Body: rec.Body, CreatedAt: rec.At})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	s.logger.Info("closing badger store")
	if err := s.db.Close(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		return err
	}
	return nil
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ MessageLog = (*BadgerStore)(nil)
