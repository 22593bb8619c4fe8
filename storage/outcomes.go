// Package storage keeps remediation outcomes in bbolt, keyed by revision,
// with an in-memory btree index of the latest outcome per resource and rule.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/remedy/types"
)

// Bucket names in bbolt
var (
	bucketOutcomes = []byte("outcomes")
	bucketMeta     = []byte("meta")

	keyRevision = []byte("current_revision")
)

// Record is one stored outcome
type Record struct {
	Revision int64                    `json:"revision"`
	EventID  string                   `json:"event_id,omitempty"`
	Outcome  types.RemediationOutcome `json:"outcome"`
}

// ComplianceState is the latest known outcome for one (resource, rule) pair
type ComplianceState struct {
	ResourceID   string
	RuleID       string
	ActionKind   types.ActionKind
	LastStatus   types.OutcomeStatus
	LastRevision int64
	FirstRev     int64
	UpdatedAt    time.Time
	Error        string
}

// NeedsOperator reports whether the last attempt failed permanently
func (s *ComplianceState) NeedsOperator() bool {
	return s.LastStatus == types.StatusFailedPermanent
}

func stateLess(a, b *ComplianceState) bool {
	if a.ResourceID != b.ResourceID {
		return a.ResourceID < b.ResourceID
	}
	return a.RuleID < b.RuleID
}

// Filter selects outcomes. Zero fields match everything.
type Filter struct {
	ResourceID string
	RuleID     string
	Status     types.OutcomeStatus
	Since      time.Time
	Limit      int
}

func (f Filter) matches(r Record) bool {
	o := r.Outcome
	if f.ResourceID != "" && o.ResourceID != f.ResourceID {
		return false
	}
	if f.RuleID != "" && o.RuleID != f.RuleID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && o.FinishedAt.Before(f.Since) {
		return false
	}
	return true
}

// OutcomeStore implements Storage on bbolt
type OutcomeStore struct {
	mu sync.RWMutex

	index *btree.BTreeG[*ComplianceState]
	db    *bbolt.DB

	currentRev int64
	path       string
}

// Open opens or creates the outcome database in dir
func Open(dir string) (*OutcomeStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	path := filepath.Join(dir, "remedy.db")

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutcomes, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &OutcomeStore{
		index: btree.NewG[*ComplianceState](32, stateLess),
		db:    db,
		path:  path,
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *OutcomeStore) Close() error {
	return s.db.Close()
}

// Record stores an outcome durably and returns its revision
func (s *OutcomeStore) Record(ctx context.Context, eventID string, o types.RemediationOutcome) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	value, err := json.Marshal(Record{Revision: rev, EventID: eventID, Outcome: o})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outcome: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOutcomes).Put(revisionKey(rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store outcome: %w", err)
	}

	s.currentRev = rev
	s.updateIndex(rev, o)
	return rev, nil
}

// Query returns matching outcomes, newest first
func (s *OutcomeStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue // skip malformed records
			}
			if !filter.matches(r) {
				continue
			}
			records = append(records, r)
			if filter.Limit > 0 && len(records) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return records, err
}

// State returns the latest outcome for a resource and rule
func (s *OutcomeStore) State(resourceID, ruleID string) (*ComplianceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.index.Get(&ComplianceState{ResourceID: resourceID, RuleID: ruleID})
	if !ok {
		return nil, false
	}
	copied := *state
	return &copied, true
}

// Unresolved lists pairs whose latest outcome failed permanently, ordered by resource
func (s *OutcomeStore) Unresolved() []ComplianceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ComplianceState
	s.index.Ascend(func(state *ComplianceState) bool {
		if state.NeedsOperator() {
			out = append(out, *state)
		}
		return true
	})
	return out
}

// CurrentRevision returns the last revision written
func (s *OutcomeStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes all but the newest keepRevisions outcomes. The index is
// kept, so the latest state of every pair survives compaction.
func (s *OutcomeStore) Compact(ctx context.Context, keepRevisions int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions
	if cutoff <= 0 {
		return 0, nil
	}

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutcomes)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if parseRevisionKey(k) > cutoff {
				break
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Stats reports index size, revision and file size
func (s *OutcomeStore) Stats() (pairs int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, err := os.Stat(s.path); err == nil {
		dbSizeBytes = info.Size()
	}
	return s.index.Len(), s.currentRev, dbSizeBytes
}

func (s *OutcomeStore) updateIndex(rev int64, o types.RemediationOutcome) {
	state, found := s.index.Get(&ComplianceState{ResourceID: o.ResourceID, RuleID: o.RuleID})
	if !found {
		state = &ComplianceState{
			ResourceID: o.ResourceID,
			RuleID:     o.RuleID,
			FirstRev:   rev,
		}
	}
	state.ActionKind = o.ActionKind
	state.LastStatus = o.Status
	state.LastRevision = rev
	state.UpdatedAt = o.FinishedAt
	state.Error = o.Error
	s.index.ReplaceOrInsert(state)
}

// load restores the revision counter and rebuilds the index from disk
func (s *OutcomeStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt revision counter: %w", err)
			}
			s.currentRev = rev
		}

		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			s.updateIndex(r.Revision, r.Outcome)
			return nil
		})
	})
}

func revisionKey(rev int64) []byte {
	return []byte(fmt.Sprintf("%016d", rev))
}

func parseRevisionKey(key []byte) int64 {
	rev, _ := strconv.ParseInt(string(key), 10, 64)
	return rev
}
