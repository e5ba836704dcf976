// Package participant holds the roster of registered participants. The
// roster is persisted in the Registered_Users table and replayed into
// memory when the registry is opened.
package participant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/keylock"
	"submission-ledger/internal/storage"
)

// TableName is the table holding one row per registration.
const TableName = "Registered_Users"

var Header = []string{"participantId", "displayName"}

var (
	ErrAlreadyRegistered = errors.New("participant already registered")
	ErrNotRegistered     = errors.New("participant not registered")
)

type Registry struct {
	store storage.TableStore
	table *storage.Table
	log   logrus.FieldLogger
	locks *keylock.Map

	mu    sync.RWMutex
	byID  map[string]Participant
	order []string
}

// Open loads the registry from store, creating its table on first use.
func Open(ctx context.Context, store storage.TableStore, log logrus.FieldLogger) (*Registry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	table, err := store.GetTable(ctx, TableName)
	if errors.Is(err, storage.ErrTableNotFound) {
		table, err = store.CreateTable(ctx, TableName, Header)
		if errors.Is(err, storage.ErrTableExists) {
			table, err = store.GetTable(ctx, TableName)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	r := &Registry{
		store: store,
		table: table,
		log:   log.WithField("table", TableName),
		locks: keylock.New(),
		byID:  make(map[string]Participant),
	}
	if err := r.replay(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) replay(ctx context.Context) error {
	rows, err := r.store.ListRows(ctx, r.table)
	if err != nil {
		return fmt.Errorf("replay registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	skipped := 0
	for _, row := range rows {
		p, ok := fromRow(row)
		if !ok {
			skipped++
			continue
		}
		// First registration wins; later rows for the same id are ignored.
		if _, dup := r.byID[p.ID]; dup {
			skipped++
			continue
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	r.log.WithFields(logrus.Fields{"participants": len(r.order), "skipped": skipped}).Info("registry replayed")
	return nil
}

// Register adds a participant. A second registration for the same id fails
// with ErrAlreadyRegistered and leaves the original untouched.
func (r *Registry) Register(ctx context.Context, id, displayName string) (Participant, error) {
	if id == "" {
		return Participant{}, errors.New("participant id is required")
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	if r.IsRegistered(id) {
		return Participant{}, ErrAlreadyRegistered
	}
	p := Participant{ID: id, DisplayName: displayName}
	// Persist before publishing so memory never runs ahead of storage.
	if err := r.store.AppendRow(ctx, r.table, p.row()); err != nil {
		return Participant{}, fmt.Errorf("register %s: %w", id, err)
	}

	r.mu.Lock()
	r.byID[id] = p
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.log.WithField("participant", id).Info("participant registered")
	return p, nil
}

func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// All yields participants in registration order. Each iteration works from
// a fresh snapshot, so the sequence can be ranged over again.
func (r *Registry) All() iter.Seq[Participant] {
	return func(yield func(Participant) bool) {
		for _, p := range r.Snapshot() {
			if !yield(p) {
				return
			}
		}
	}
}

func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
