package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"
)

const (
	tableInstances = "instances"
	tableEvents    = "events"
)

// MemoryStore keeps histories in a go-memdb database. Nothing survives the process.
type MemoryStore struct {
	db *memdb.MemDB
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "InstanceID"},
								&memdb.UintFieldIndex{Field: "Seq"},
							},
						},
					},
					"instance": {
						Name:    "instance",
						Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
					},
				},
			},
		},
	}
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Create(_ context.Context, inst Instance, started Event) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrInstanceExists
	}

	started.InstanceID = inst.ID
	started.Seq = 1
	inst.LastSeq = 1

	if err := txn.Insert(tableInstances, &inst); err != nil {
		return err
	}
	if err := txn.Insert(tableEvents, &started); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, id string, ev Event) (Event, error) {
	return s.append(id, "", ev)
}

func (s *MemoryStore) AppendOwned(_ context.Context, id, owner string, ev Event) (Event, error) {
	return s.append(id, owner, ev)
}

// append adds ev to the history. A non-empty owner must hold the lease.
func (s *MemoryStore) append(id, owner string, ev Event) (Event, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return Event{}, err
	}
	if raw == nil {
		return Event{}, ErrInstanceNotFound
	}

	// stored objects are immutable, work on a copy
	inst := *raw.(*Instance)
	if owner != "" && inst.Owner != owner {
		return Event{}, ErrLeaseLost
	}
	inst.LastSeq++

	ev.InstanceID = id
	ev.Seq = inst.LastSeq

	if err := txn.Insert(tableInstances, &inst); err != nil {
		return Event{}, err
	}
	if err := txn.Insert(tableEvents, &ev); err != nil {
		return Event{}, err
	}
	txn.Commit()
	return ev, nil
}

func (s *MemoryStore) Claim(_ context.Context, id, owner string, now, until int64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrInstanceNotFound
	}

	inst := *raw.(*Instance)
	if inst.Leased(owner, now) {
		return ErrLeaseHeld
	}
	inst.Owner = owner
	inst.LeaseUntil = until
	if err := txn.Insert(tableInstances, &inst); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id, owner string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	inst := *raw.(*Instance)
	if inst.Owner != owner {
		return nil
	}
	inst.Owner = ""
	inst.LeaseUntil = 0
	if err := txn.Insert(tableInstances, &inst); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Instance, []Event, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return Instance{}, nil, err
	}
	if raw == nil {
		return Instance{}, nil, ErrInstanceNotFound
	}

	it, err := txn.Get(tableEvents, "instance", id)
	if err != nil {
		return Instance{}, nil, err
	}

	var events []Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		events = append(events, *obj.(*Event))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	return *raw.(*Instance), events, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Instance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return Instance{}, err
	}
	if raw == nil {
		return Instance{}, ErrInstanceNotFound
	}
	return *raw.(*Instance), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status, closedAt int64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrInstanceNotFound
	}

	inst := *raw.(*Instance)
	inst.Status = status
	inst.ClosedAt = closedAt
	if err := txn.Insert(tableInstances, &inst); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) List(_ context.Context, status Status) ([]Instance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInstances, "status", string(status))
	if err != nil {
		return nil, err
	}

	var out []Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Instance))
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrInstanceNotFound
	}
	if _, err := txn.DeleteAll(tableEvents, "instance", id); err != nil {
		return err
	}
	if err := txn.Delete(tableInstances, raw); err != nil && !errors.Is(err, memdb.ErrNotFound) {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
