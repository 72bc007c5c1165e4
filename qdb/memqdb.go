package qdb

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"go.uber.org/atomic"
)

type MemQDB struct {
	mu sync.RWMutex

	Sequences map[string]*SequenceRow `json:"sequences"`

	backupPath string

	sessions *atomic.Int64
	// failSessions makes the next Session calls fail, for fault injection.
	failSessions []error
	// AfterRead runs after every GetSequence, outside the lock.
	AfterRead func(name string) `json:"-"`
}

var _ SequenceStore = &MemQDB{}

func NewMemQDB(backupPath string) *MemQDB {
	return &MemQDB{
		Sequences:  map[string]*SequenceRow{},
		backupPath: backupPath,
		sessions:   atomic.NewInt64(0),
	}
}

// RestoreMemQDB loads the state dumped at backupPath, if any.
func RestoreMemQDB(backupPath string) (*MemQDB, error) {
	qdb := NewMemQDB(backupPath)
	if backupPath == "" {
		return qdb, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		txlog.Zero.Info().Err(err).Msg("memqdb backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, errors.Annotatef(err, "create memqdb backup %s", backupPath)
		}
		defer f.Close()
		return qdb, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, errors.Annotatef(err, "read memqdb backup %s", backupPath)
	}
	if len(data) == 0 {
		return qdb, nil
	}
	if err := json.Unmarshal(data, qdb); err != nil {
		return nil, errors.Annotatef(err, "decode memqdb backup %s", backupPath)
	}
	if qdb.Sequences == nil {
		qdb.Sequences = map[string]*SequenceRow{}
	}
	return qdb, nil
}

// dumpState must be called with mu held.
func (q *MemQDB) dumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, state, 0644); err != nil {
		return errors.Annotatef(err, "write memqdb backup %s", tmpPath)
	}
	return errors.Trace(os.Rename(tmpPath, q.backupPath))
}

// Sessions returns how many sessions were opened so far.
func (q *MemQDB) Sessions() int64 {
	return q.sessions.Load()
}

// FailSessions queues errors returned by the next Session calls, one per call.
func (q *MemQDB) FailSessions(errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failSessions = append(q.failSessions, errs...)
}

// Row returns a copy of the stored row.
func (q *MemQDB) Row(name string) (SequenceRow, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.Sequences[name]
	if !ok {
		return SequenceRow{}, false
	}
	return *r, true
}

func (q *MemQDB) Session(ctx context.Context) (SequenceSession, error) {
	q.mu.Lock()
	if len(q.failSessions) > 0 {
		err := q.failSessions[0]
		q.failSessions = q.failSessions[1:]
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	q.sessions.Inc()
	return &memSession{q: q}, nil
}

func (q *MemQDB) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dumpState()
}

// memSession applies changes immediately; the store has no isolation to offer.
type memSession struct {
	q *MemQDB
}

func (s *memSession) GetSequence(ctx context.Context, name string) (*SequenceRow, error) {
	txlog.Zero.Debug().Str("sequence", name).Msg("memqdb: get sequence")

	s.q.mu.RLock()
	r, ok := s.q.Sequences[name]
	var ret *SequenceRow
	if ok {
		cp := *r
		ret = &cp
	}
	s.q.mu.RUnlock()

	if s.q.AfterRead != nil {
		s.q.AfterRead(name)
	}
	return ret, nil
}

func (s *memSession) CreateSequence(ctx context.Context, row *SequenceRow) (bool, error) {
	txlog.Zero.Debug().Interface("row", row).Msg("memqdb: create sequence")

	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	if _, ok := s.q.Sequences[row.Name]; ok {
		return false, nil
	}
	cp := *row
	s.q.Sequences[row.Name] = &cp
	return true, s.q.dumpState()
}

func (s *memSession) UpdateSequence(ctx context.Context, prev *SequenceRow, next Version) (bool, error) {
	txlog.Zero.Debug().
		Str("sequence", prev.Name).
		Int64("prev boundary", prev.NextBoundary).
		Int64("next boundary", next.NextBoundary).
		Msg("memqdb: update sequence")

	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	r, ok := s.q.Sequences[prev.Name]
	if !ok || !r.Matches(prev.Version()) {
		return false, nil
	}
	r.NextBoundary = next.NextBoundary
	r.LastUpdate = next.LastUpdate
	return true, s.q.dumpState()
}

func (s *memSession) Commit(ctx context.Context) error {
	return nil
}

func (s *memSession) Close(ctx context.Context) error {
	return nil
}
