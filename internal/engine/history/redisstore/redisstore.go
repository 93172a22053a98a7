// Package redisstore stores saga histories in Redis so several worker processes can share them.
//
// Layout, under a configurable prefix:
//
//	<prefix>:instance:<id>   hash with the instance metadata
//	<prefix>:events:<id>     list of rtl-encoded events, index+1 is the sequence number
//	<prefix>:status:<status> set of instance ids
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
)

const (
	defaultPrefix = "ordersaga"
	// optimistic transactions retried before giving up
	watchAttempts = 32
)

type Store struct {
	client *redis.Client
	prefix string
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps an existing client; Close closes it.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and checks connectivity.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) instanceKey(id string) string {
	return s.prefix + ":instance:" + id
}

func (s *Store) eventsKey(id string) string {
	return s.prefix + ":events:" + id
}

func (s *Store) statusKey(status history.Status) string {
	return s.prefix + ":status:" + string(status)
}

// entry is what goes on the wire; Seq and InstanceID are implied by the list.
type entry struct {
	Type     string
	StepID   string
	Name     string
	Peer     string
	Payload  []byte
	Attempt  uint64
	Kind     string
	Message  string
	Final    bool
	TimedOut bool
	At       int64
	Time     int64
}

func encodeEvent(ev history.Event) ([]byte, error) {
	return codec.Encode(entry{
		Type:     string(ev.Type),
		StepID:   ev.StepID,
		Name:     ev.Name,
		Peer:     ev.Peer,
		Payload:  ev.Payload,
		Attempt:  ev.Attempt,
		Kind:     ev.Kind,
		Message:  ev.Message,
		Final:    ev.Final,
		TimedOut: ev.TimedOut,
		At:       ev.At,
		Time:     ev.Time,
	})
}

func decodeEvent(id string, seq uint64, data []byte) (history.Event, error) {
	e, err := codec.Decode[entry](data)
	if err != nil {
		return history.Event{}, err
	}
	ev := history.Event{
		InstanceID: id,
		Seq:        seq,
		Type:       history.EventType(e.Type),
		StepID:     e.StepID,
		Name:       e.Name,
		Peer:       e.Peer,
		Attempt:    e.Attempt,
		Kind:       e.Kind,
		Message:    e.Message,
		Final:      e.Final,
		TimedOut:   e.TimedOut,
		At:         e.At,
		Time:       e.Time,
	}
	if len(e.Payload) > 0 {
		ev.Payload = e.Payload
	}
	return ev, nil
}

func (s *Store) Create(ctx context.Context, inst history.Instance, started history.Event) error {
	data, err := encodeEvent(started)
	if err != nil {
		return err
	}

	key := s.instanceKey(inst.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return history.ErrInstanceExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"kind", inst.Kind,
				"queue", inst.Queue,
				"parent_id", inst.ParentID,
				"status", string(inst.Status),
				"deadline", inst.Deadline,
				"created_at", inst.CreatedAt,
				"closed_at", inst.ClosedAt,
			)
			pipe.Del(ctx, s.eventsKey(inst.ID))
			pipe.RPush(ctx, s.eventsKey(inst.ID), data)
			pipe.SAdd(ctx, s.statusKey(inst.Status), inst.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return history.ErrInstanceExists
	}
	return err
}

// watch runs fn in an optimistic transaction over keys, again while another client wins the race.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for range watchAttempts {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *Store) Append(ctx context.Context, id string, ev history.Event) (history.Event, error) {
	return s.append(ctx, id, "", ev)
}

func (s *Store) AppendOwned(ctx context.Context, id, owner string, ev history.Event) (history.Event, error) {
	return s.append(ctx, id, owner, ev)
}

// append pushes under a watch on the instance hash, so a concurrent Purge or
// lease takeover aborts the push instead of leaving a stray events list.
func (s *Store) append(ctx context.Context, id, owner string, ev history.Event) (history.Event, error) {
	data, err := encodeEvent(ev)
	if err != nil {
		return history.Event{}, err
	}

	key := s.instanceKey(id)
	var length int64
	err = s.watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "kind", "owner").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return history.ErrInstanceNotFound
		}
		if current, _ := vals[1].(string); owner != "" && current != owner {
			return history.ErrLeaseLost
		}
		var push *redis.IntCmd
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// the new length is the sequence number
			push = pipe.RPush(ctx, s.eventsKey(id), data)
			return nil
		}); err != nil {
			return err
		}
		length = push.Val()
		return nil
	}, key)
	if err != nil {
		return history.Event{}, err
	}
	ev.InstanceID = id
	ev.Seq = uint64(length)
	return ev, nil
}

func (s *Store) Claim(ctx context.Context, id, owner string, now, until int64) error {
	key := s.instanceKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "kind", "owner", "lease_until").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return history.ErrInstanceNotFound
		}
		current := history.Instance{}
		current.Owner, _ = vals[1].(string)
		if raw, _ := vals[2].(string); raw != "" {
			if current.LeaseUntil, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("instance %s field lease_until: %w", id, err)
			}
		}
		if current.Leased(owner, now) {
			return history.ErrLeaseHeld
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "owner", owner, "lease_until", until)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Release(ctx context.Context, id, owner string) error {
	key := s.instanceKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "owner").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "owner", "", "lease_until", 0)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Get(ctx context.Context, id string) (history.Instance, error) {
	fields, err := s.client.HGetAll(ctx, s.instanceKey(id)).Result()
	if err != nil {
		return history.Instance{}, err
	}
	if len(fields) == 0 {
		return history.Instance{}, history.ErrInstanceNotFound
	}
	inst := history.Instance{
		ID:       id,
		Kind:     fields["kind"],
		Queue:    fields["queue"],
		ParentID: fields["parent_id"],
		Status:   history.Status(fields["status"]),
		Owner:    fields["owner"],
	}
	for name, target := range map[string]*int64{
		"deadline":    &inst.Deadline,
		"created_at":  &inst.CreatedAt,
		"closed_at":   &inst.ClosedAt,
		"lease_until": &inst.LeaseUntil,
	} {
		if raw := fields[name]; raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return history.Instance{}, fmt.Errorf("instance %s field %s: %w", id, name, err)
			}
			*target = v
		}
	}
	length, err := s.client.LLen(ctx, s.eventsKey(id)).Result()
	if err != nil {
		return history.Instance{}, err
	}
	inst.LastSeq = uint64(length)
	return inst, nil
}

func (s *Store) Load(ctx context.Context, id string) (history.Instance, []history.Event, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return history.Instance{}, nil, err
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return history.Instance{}, nil, err
	}
	events := make([]history.Event, 0, len(raw))
	for i, data := range raw {
		ev, err := decodeEvent(id, uint64(i+1), []byte(data))
		if err != nil {
			return history.Instance{}, nil, fmt.Errorf("instance %s event %d: %w", id, i+1, err)
		}
		events = append(events, ev)
	}
	inst.LastSeq = uint64(len(events))
	return inst, events, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status history.Status, closedAt int64) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.instanceKey(id), "status", string(status), "closed_at", closedAt)
		pipe.SRem(ctx, s.statusKey(inst.Status), id)
		pipe.SAdd(ctx, s.statusKey(status), id)
		return nil
	})
	return err
}

func (s *Store) List(ctx context.Context, status history.Status) ([]history.Instance, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]history.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if errors.Is(err, history.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Store) Purge(ctx context.Context, id string) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.instanceKey(id), s.eventsKey(id))
		pipe.SRem(ctx, s.statusKey(inst.Status), id)
		return nil
	})
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}
