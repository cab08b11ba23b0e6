// Package queue persists outbound write operations that could not be sent to the origin,
// so that they can be replayed once it is reachable again.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/pkg/faults"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is one deferred mutating request.
// It is immutable once enqueued.
type Operation struct {
	// Key is the sequence key assigned by Enqueue.
	Key     uint64            `json:"sequenceKey"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// NewJSONOperation returns an operation sending v as a JSON body.
func NewJSONOperation(method, url string, v any) (Operation, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		Method:  method,
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}

// Request builds the outbound request for the operation.
func (op Operation) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, bytes.NewReader(op.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (op Operation) validate() error {
	if op.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidOperation)
	}
	if op.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidOperation)
	}
	return nil
}

var (
	opPrefix   = []byte("q:")
	counterKey = []byte("c:last")
)

func opKey(seq uint64) []byte {
	k := make([]byte, len(opPrefix)+8)
	copy(k, opPrefix)
	// big endian so that leveldb's byte order is enqueue order
	binary.BigEndian.PutUint64(k[len(opPrefix):], seq)
	return k
}

// Store is a durable FIFO of operations backed by leveldb.
//
// Sequence keys are strictly increasing and never reused: the last assigned key is
// persisted in the same batch as the operation it was assigned to.
type Store struct {
	db  *leveldb.DB
	log zerolog.Logger

	// guards last and orders enqueues
	mu   sync.Mutex
	last uint64
}

// Open opens (or creates) the store in the directory at path.
// An empty path opens a store that lives in memory only.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, faults.Persistence("open queue db", err)
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	s := &Store{
		db:  db,
		log: l.With().Str("component", "queue").Logger(),
	}
	if err := s.loadCounter(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCounter() error {
	b, err := s.db.Get(counterKey, nil)
	switch {
	case err == nil && len(b) == 8:
		s.last = binary.BigEndian.Uint64(b)
	case err == nil || errors.Is(err, leveldb.ErrNotFound):
	default:
		return faults.Persistence("read queue counter", err)
	}

	// never hand out a key below one that is still stored
	it := s.db.NewIterator(util.BytesPrefix(opPrefix), nil)
	defer it.Release()
	if it.Last() {
		if seq := binary.BigEndian.Uint64(it.Key()[len(opPrefix):]); seq > s.last {
			s.last = seq
		}
	}
	if err := it.Error(); err != nil {
		return faults.Persistence("scan queue", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue stores the operation and returns its sequence key.
// Any Key set on op is ignored.
func (s *Store) Enqueue(op Operation) (uint64, error) {
	if err := op.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op.Key = s.last + 1
	b, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, op.Key)

	batch := new(leveldb.Batch)
	batch.Put(opKey(op.Key), b)
	batch.Put(counterKey, counter)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, faults.Persistence("write operation", err)
	}
	s.last = op.Key

	s.log.Debug().Uint64("key", op.Key).Str("method", op.Method).Str("url", op.URL).Msg("Operation queued")
	return op.Key, nil
}

// List returns all stored operations ordered by sequence key.
func (s *Store) List() ([]Operation, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, faults.Persistence("snapshot queue", err)
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix(opPrefix), nil)
	defer it.Release()

	ops := make([]Operation, 0)
	for it.Next() {
		var op Operation
		if err := json.Unmarshal(it.Value(), &op); err != nil {
			// a record we cannot decode can never be replayed
			s.log.Error().Err(err).Hex("key", it.Key()).Msg("Could not decode queued operation")
			continue
		}
		ops = append(ops, op)
	}
	if err := it.Error(); err != nil {
		return nil, faults.Persistence("read queue", err)
	}
	return ops, nil
}

// Delete removes the operation with the given key. Deleting an absent key is not an error.
func (s *Store) Delete(key uint64) error {
	if err := s.db.Delete(opKey(key), &opt.WriteOptions{Sync: true}); err != nil {
		return faults.Persistence("delete operation", err)
	}
	return nil
}
