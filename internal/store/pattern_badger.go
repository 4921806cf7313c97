package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

const patternPrefix = "pattern:"

// BadgerPatternStore implements PatternStore on BadgerDB. Patterns are JSON
// values under prefixed keys; lookups iterate the prefix, which is fine at
// the scale of a per-venue pattern library.
type BadgerPatternStore struct {
	db *badger.DB
}

// NewBadgerPatternStore opens (or creates) the pattern database at path.
func NewBadgerPatternStore(path string) (*BadgerPatternStore, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}
	return &BadgerPatternStore{db: db}, nil
}

// NewInMemoryPatternStore opens an in-memory store, used by tests and the
// CLI dry-run mode.
func NewInMemoryPatternStore() (*BadgerPatternStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pattern store: %w", err)
	}
	return &BadgerPatternStore{db: db}, nil
}

func patternKey(id string) []byte {
	return []byte(patternPrefix + id)
}

// Save persists a pattern after validating its logic and clamping its
// confidence.
func (s *BadgerPatternStore) Save(ctx context.Context, p *models.Pattern) error {
	if err := p.Logic.Validate(); err != nil {
		return fmt.Errorf("invalid pattern logic: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.ConfidenceScore = models.Clamp01(p.ConfidenceScore)

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(patternKey(p.ID), data)
	})
}

// Get retrieves a pattern by id.
func (s *BadgerPatternStore) Get(ctx context.Context, id string) (*models.Pattern, error) {
	var p models.Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindBySignature returns patterns whose trigger signature equals sig.
func (s *BadgerPatternStore) FindBySignature(ctx context.Context, sig string) ([]*models.Pattern, error) {
	return s.scan(func(p *models.Pattern) bool {
		return p.TriggerSignature == sig
	})
}

// FindByDecisionType returns patterns of the given decision type.
func (s *BadgerPatternStore) FindByDecisionType(ctx context.Context, decisionType string) ([]*models.Pattern, error) {
	return s.scan(func(p *models.Pattern) bool {
		return p.DecisionType == decisionType
	})
}

// All returns every stored pattern.
func (s *BadgerPatternStore) All(ctx context.Context) ([]*models.Pattern, error) {
	return s.scan(func(*models.Pattern) bool { return true })
}

// scan iterates the pattern prefix collecting entries that satisfy keep.
func (s *BadgerPatternStore) scan(keep func(*models.Pattern) bool) ([]*models.Pattern, error) {
	var patterns []*models.Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(patternPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p models.Pattern
				if err := json.Unmarshal(val, &p); err != nil {
					return nil // Skip malformed entries.
				}
				if keep(&p) {
					patterns = append(patterns, &p)
				}
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patterns, nil
}

// RecordExecution applies stat increments, last-seen and the new confidence
// inside one transaction so concurrent executions never lose counts.
func (s *BadgerPatternStore) RecordExecution(ctx context.Context, id string, success bool, newConfidence float64) error {
	return s.mutate(id, func(p *models.Pattern) {
		p.ExecutionCount++
		if success {
			p.SuccessCount++
		} else {
			p.FailureCount++
		}
		p.LastSeen = time.Now().UTC()
		p.ConfidenceScore = models.Clamp01(newConfidence)
	})
}

// UpdateConfidence sets the pattern's confidence score.
func (s *BadgerPatternStore) UpdateConfidence(ctx context.Context, id string, confidence float64) error {
	return s.mutate(id, func(p *models.Pattern) {
		p.ConfidenceScore = models.Clamp01(confidence)
	})
}

// SetAutoExecutable flips the promotion flag.
func (s *BadgerPatternStore) SetAutoExecutable(ctx context.Context, id string, autoExecutable bool) error {
	return s.mutate(id, func(p *models.Pattern) {
		p.AutoExecutable = autoExecutable
	})
}

// mutate loads, edits and rewrites a pattern in one Update transaction.
func (s *BadgerPatternStore) mutate(id string, edit func(*models.Pattern)) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id))
		if err != nil {
			return err
		}
		var p models.Pattern
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		}); err != nil {
			return err
		}
		edit(&p)
		data, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return txn.Set(patternKey(id), data)
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	return err
}

// Close closes the underlying database.
func (s *BadgerPatternStore) Close() error {
	return s.db.Close()
}
