// ABOUTME: FileStore keeps one append-only, human-readable log file per conversation
// ABOUTME: Each append is a single write followed by fsync, guarded by a per-conversation lock

package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxFileNameLen keeps log file names under common filesystem limits.
const maxFileNameLen = 200

// FileStore implements MessageLog with one file per conversation under dir.
//
// Record format, one per line:
//
//	<sender> TAB <body> LF
//
// Sender and body are escaped so they never contain a raw tab or newline.
// Order in the file is the only notion of time, so CreatedAt is left zero.
type FileStore struct {
	dir        string
	logger     *slog.Logger
	openAppend func(path string) (appendFile, error)

	mu     sync.Mutex
	logs   map[ConversationKey]*fileLog
	closed bool
}

// appendFile is the part of *os.File that Append uses.
type appendFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Close() error
	Name() string
}

func openForAppend(path string) (appendFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// fileLog is the in-process state for one conversation file.
type fileLog struct {
	mu     sync.Mutex
	path   string
	loaded bool
	count  int64
}

// NewFileStore creates a FileStore rooted at dir, creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating chat directory: %w", err)
	}

	logger := slog.Default().With("component", "store.file")
	logger.Info("file store initialized", "dir", dir)

	return &FileStore{
		dir:        dir,
		logger:     logger,
		openAppend: openForAppend,
		logs:       make(map[ConversationKey]*fileLog),
	}, nil
}

// logFor returns the per-key state, creating it on first use.
func (s *FileStore) logFor(key ConversationKey) (*fileLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.logs[key]
	if !ok {
		l = &fileLog{path: filepath.Join(s.dir, fileNameFor(key))}
		s.logs[key] = l
	}
	return l, nil
}

// fileNameFor maps a key to a file name that is safe on any filesystem.
func fileNameFor(key ConversationKey) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(name) > maxFileNameLen {
		sum := sha256.Sum256([]byte(key))
		name = hex.EncodeToString(sum[:])
	}
	return name + ".log"
}

// load counts the records in the file and cuts off a trailing partial record
// left behind by a crash mid-append. Caller holds l.mu.
func (s *FileStore) load(l *fileLog) error {
	if l.loaded {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(l.path, int64(keep)); err != nil {
			return fmt.Errorf("truncating partial record: %w", err)
		}
		s.logger.Warn("truncated partial record", "path", l.path, "bytes", n-keep)
		data = data[:keep]
	}

	l.count = int64(bytes.Count(data, []byte{'\n'}))
	l.loaded = true
	return nil
}

// Append writes one record and fsyncs it before returning.
func (s *FileStore) Append(ctx context.Context, key ConversationKey, sender, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	l, err := s.logFor(key)
	if err != nil {
		return Message{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.load(l); err != nil {
		return Message{}, err
	}

	line := encodeRecord(sender, body)

	f, err := s.openAppend(l.path)
	if err != nil {
		return Message{}, fmt.Errorf("opening log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Message{}, fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()

	if _, err := f.Write(line); err != nil {
		s.rollback(f, size)
		return Message{}, fmt.Errorf("writing record: %w", err)
	}
	if err := f.Sync(); err != nil {
		s.rollback(f, size)
		return Message{}, fmt.Errorf("syncing log: %w", err)
	}
	// The record is durable once synced; a close error cannot undo it.
	l.count++
	if err := f.Close(); err != nil {
		s.logger.Warn("failed to close log after append", "path", l.path, "error", err)
	}

	return Message{Seq: l.count, Sender: sender, Body: body}, nil
}

// rollback restores the file to size after a failed append and closes it.
func (s *FileStore) rollback(f appendFile, size int64) {
	if err := f.Truncate(size); err != nil {
		s.logger.Error("failed to roll back partial record", "path", f.Name(), "error", err)
	}
	f.Close()
}

// ReadAll returns every record for key in append order.
func (s *FileStore) ReadAll(ctx context.Context, key ConversationKey) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := s.logFor(key)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.load(l); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}

	return parseRecords(data)
}

// ReadSince returns records with Seq greater than afterSeq.
func (s *FileStore) ReadSince(ctx context.Context, key ConversationKey, afterSeq int64) ([]Message, error) {
	msgs, err := s.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return filterSince(msgs, afterSeq), nil
}

// Ping reports whether the chat directory is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("chat directory: %w", err)
	}
	return nil
}

// Close rejects further operations. Records already appended are durable.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func encodeRecord(sender, body string) []byte {
	var b bytes.Buffer
	b.WriteString(escapeField(sender))
	b.WriteByte('\t')
	b.WriteString(escapeField(body))
	b.WriteByte('\n')
	return b.Bytes()
}

func parseRecords(data []byte) ([]Message, error) {
	msgs := []Message{}
	for i, line := range strings.Split(string(data), "\n") {
		if line == "" {
			// Only the final element after the last newline is empty.
			continue
		}
		sender, body, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed record at line %d", i+1)
		}
		msgs = append(msgs, Message{
			Seq:    int64(i + 1),
			Sender: unescapeField(sender),
			Body:   unescapeField(body),
		})
	}
	return msgs, nil
}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

func unescapeField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
