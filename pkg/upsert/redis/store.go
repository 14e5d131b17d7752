// Package redis provides an [upsert.Store] backed by Redis.
//
// Each record is a JSON document under {prefix}:{kind}:{id}. The braces
// around the kind form a cluster hash tag, so all keys of a kind share a
// slot and can be used together in one transaction. Per kind the store also
// keeps:
//
//	{prefix}:{kind}:ids             list of ids in insertion order
//	{prefix}:{kind}:seq             counter for serial keys
//	{prefix}:{kind}:uniq:{set}:{v}  owner id of a unique value combination
//
// Writes run as optimistic WATCH/MULTI transactions. GetBy scans the kind.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "recordkit"

const maxTxRetries = 16

var (
	_ upsert.Store   = (*Store)(nil)
	_ upsert.Counter = (*Store)(nil)
	_ upsert.Pinger  = (*Store)(nil)
)

// Store is an [upsert.Store] backed by Redis.
type Store struct {
	client redis.UniversalClient
	reg    *record.Registry
	prefix string
}

// Option configures a [Store].
type Option func(*Store)

// WithPrefix sets the key prefix. Default: [DefaultPrefix].
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// NewStore returns a store using client. The caller owns client.
func NewStore(client redis.UniversalClient, reg *record.Registry, opts ...Option) *Store {
	s := &Store{client: client, reg: reg, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect parses a redis:// URL, connects and pings the server. The
// returned store owns the client; call [Store.Close] to release it.
func Connect(ctx context.Context, url string, reg *record.Registry, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewStore(client, reg, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetBy implements [upsert.Store.GetBy].
func (s *Store) GetBy(ctx context.Context, kind string, criteria upsert.Criteria) (record.Record, error) {
	schema, err := s.schema(kind)
	if err != nil {
		return nil, err
	}
	for _, f := range criteria.Fields() {
		if !schema.Has(f) {
			return nil, fmt.Errorf("redis: %w: kind %q has no field %q", upsert.ErrInvalidRecord, kind, f)
		}
	}

	ids, err := s.client.LRange(ctx, s.idsKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: list ids: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(kind, id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", kind, err)
	}

	var (
		match record.Record
		n     int
	)
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		r, err := decode(schema, []byte(raw))
		if err != nil {
			return nil, err
		}
		if criteria.Matches(r) {
			n++
			match = r
		}
	}
	switch n {
	case 0:
		return nil, nil
	case 1:
		return match, nil
	}
	return nil, fmt.Errorf("redis: %w: %d %s records match %v", upsert.ErrAmbiguousMatch, n, kind, criteria)
}

// Insert implements [upsert.Store.Insert].
func (s *Store) Insert(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, false)
}

// InsertOrUpdate implements [upsert.Store.InsertOrUpdate].
func (s *Store) InsertOrUpdate(ctx context.Context, rec record.Record) (record.Record, error) {
	return s.write(ctx, rec, true)
}

func (s *Store) write(ctx context.Context, rec record.Record, overwrite bool) (record.Record, error) {
	kind := rec.Kind()
	schema, err := s.schema(kind)
	if err != nil {
		return nil, err
	}

	id, ok := rec.Get(schema.Key())
	if !ok {
		if id, err = s.nextID(ctx, schema); err != nil {
			return nil, err
		}
		if rec, err = rec.With(map[string]any{schema.Key(): id}); err != nil {
			return nil, fmt.Errorf("redis: assign key: %w", err)
		}
	}
	member := fmt.Sprint(record.Normalize(id))
	key := s.recordKey(kind, member)
	payload, err := json.Marshal(rec.Fields())
	if err != nil {
		return nil, fmt.Errorf("redis: encode %s: %w", kind, err)
	}
	claims := s.uniqueKeys(schema, rec)

	txf := func(tx *redis.Tx) error {
		var stale []string
		old, err := tx.Get(ctx, key).Bytes()
		exists := err == nil
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case !overwrite:
			return fmt.Errorf("redis: %w: %s with %s %v already exists", upsert.ErrDuplicate, kind, schema.Key(), id)
		default:
			prev, err := decode(schema, old)
			if err != nil {
				return err
			}
			for _, k := range s.uniqueKeys(schema, prev) {
				if !slices.Contains(claims, k) {
					stale = append(stale, k)
				}
			}
		}

		for _, k := range claims {
			owner, err := tx.Get(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			if owner != member {
				return fmt.Errorf("redis: %w: %s conflicts with id %s on %s", upsert.ErrDuplicate, kind, owner, k)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if !exists {
				pipe.RPush(ctx, s.idsKey(kind), member)
			}
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			for _, k := range claims {
				pipe.Set(ctx, k, member, 0)
			}
			return nil
		})
		return err
	}

	watch := append([]string{key}, claims...)
	for range maxTxRetries {
		err = s.client.Watch(ctx, txf, watch...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, upsert.ErrDuplicate) {
				return nil, err
			}
			return nil, fmt.Errorf("redis: write %s: %w", kind, err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("redis: write %s: %w", kind, redis.TxFailedErr)
}

// nextID generates a key: a UUID for text keys, otherwise the next free
// value of the kind's counter.
func (s *Store) nextID(ctx context.Context, schema *record.Schema) (any, error) {
	if schema.KeyKind() == record.KeyText {
		return uuid.NewString(), nil
	}
	for {
		n, err := s.client.Incr(ctx, s.seqKey(schema.Kind)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: next id for %s: %w", schema.Kind, err)
		}
		taken, err := s.client.Exists(ctx, s.recordKey(schema.Kind, fmt.Sprint(n))).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: next id for %s: %w", schema.Kind, err)
		}
		if taken == 0 {
			return n, nil
		}
	}
}

// Count implements [upsert.Counter].
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	n, err := s.client.LLen(ctx, s.idsKey(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count %s: %w", kind, err)
	}
	return int(n), nil
}

// Ping implements [upsert.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Keys
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) recordKey(kind, id string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, kind, id)
}

func (s *Store) idsKey(kind string) string { return s.recordKey(kind, "ids") }

func (s *Store) seqKey(kind string) string { return s.recordKey(kind, "seq") }

// uniqueKeys returns one claim key per unique set of schema that rec fully
// populates.
func (s *Store) uniqueKeys(schema *record.Schema, rec record.Record) []string {
	var keys []string
	for _, set := range schema.Unique {
		vals := make([]any, 0, len(set))
		for _, f := range set {
			v, ok := rec.Get(f)
			if !ok {
				vals = nil
				break
			}
			vals = append(vals, v)
		}
		if vals == nil {
			continue
		}
		b, err := json.Marshal(vals)
		if err != nil {
			continue
		}
		keys = append(keys, s.recordKey(schema.Kind, "uniq:"+strings.Join(set, ",")+":"+string(b)))
	}
	return keys
}

func (s *Store) schema(kind string) (*record.Schema, error) {
	schema, err := s.reg.Lookup(kind)
	if err != nil {
		return nil, fmt.Errorf("redis: %w: %w", upsert.ErrInvalidRecord, err)
	}
	return schema, nil
}

func decode(schema *record.Schema, raw []byte) (*record.Row, error) {
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", schema.Kind, err)
	}
	return schema.New(values)
}
