package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// indexedFields lists, per table, the fields a filter clause may reference.
// Each indexed field gets a membership set for queries and a pub/sub channel
// for live subscriptions.
var indexedFields = map[string][]string{
	TableSignal: {"to_user", "group_id"},
	TableConfig: {"key"},
}

// Redis implements Store on a Redis server. Records are JSON strings under
// sh:<table>:<id>, indexed by per-field sets and a created-at sorted set.
// Live subscriptions ride Redis pub/sub, one channel per indexed field value.
type Redis struct {
	rdb *redis.Client
	log zerolog.Logger
}

type redisSub struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedis(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func recKey(table, id string) string { return "sh:" + table + ":" + id }
func createdKey(table string) string { return "sh:created:" + table }

func idxKey(table, field, value string) string {
	return "sh:idx:" + table + ":" + field + ":" + value
}
func liveChan(table, field, value string) string {
	return "sh:live:" + table + ":" + field + ":" + value
}

func (r *Redis) Create(ctx context.Context, table string, doc any) (string, error) {
	rec, err := toDoc(doc)
	if err != nil {
		return "", err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	created := docTime(rec, "created_at")
	if created.IsZero() {
		created = time.Now().UTC()
		rec["created_at"] = created.Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, recKey(table, id), b, 0)
	pipe.ZAdd(ctx, createdKey(table), redis.Z{Score: float64(created.UnixMilli()), Member: id})
	for _, field := range indexedFields[table] {
		if v, _ := rec[field].(string); v != "" {
			pipe.SAdd(ctx, idxKey(table, field, v), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create %s record: %w", table, err)
	}

	r.publish(ctx, table, rec, Event{Action: ActionCreate, Table: table, ID: id, Doc: b})
	return id, nil
}

func (r *Redis) Select(ctx context.Context, table, id string) (json.RawMessage, error) {
	b, err := r.rdb.Get(ctx, recKey(table, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", table, id, err)
	}
	return b, nil
}

func (r *Redis) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	raw, err := r.Select(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, id, err)
	}
	for k, v := range patch {
		rec[k] = v
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, recKey(table, id), b, 0).Err(); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	r.publish(ctx, table, rec, Event{Action: ActionUpdate, Table: table, ID: id, Doc: b})
	return b, nil
}

func (r *Redis) Delete(ctx context.Context, table, id string) error {
	raw, err := r.Select(ctx, table, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode %s/%s: %w", table, id, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, recKey(table, id))
	pipe.ZRem(ctx, createdKey(table), id)
	for _, field := range indexedFields[table] {
		if v, _ := rec[field].(string); v != "" {
			pipe.SRem(ctx, idxKey(table, field, v), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	r.publish(ctx, table, rec, Event{Action: ActionDelete, Table: table, ID: id})
	return nil
}

func (r *Redis) Query(ctx context.Context, table string, f Filter) ([]json.RawMessage, error) {
	ids, err := r.matchIDs(ctx, table, f)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recKey(table, id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	var recs []map[string]any
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // record expired between index read and fetch
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		return docTime(recs[i], "created_at").After(docTime(recs[j], "created_at"))
	})

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// matchIDs resolves a filter to candidate record IDs via the index sets and,
// when a Before bound is present, the created-at sorted set.
func (r *Redis) matchIDs(ctx context.Context, table string, f Filter) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(batch []string) {
		for _, id := range batch {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	if len(f.Any) == 0 {
		// Unclaused sweep: every record, optionally time-bounded below.
		all, err := r.rdb.ZRange(ctx, createdKey(table), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("query %s ids: %w", table, err)
		}
		add(all)
	}
	for _, c := range f.Any {
		keys := make([]string, len(c.Values))
		for i, v := range c.Values {
			keys[i] = idxKey(table, c.Field, v)
		}
		batch, err := r.rdb.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("query %s index: %w", table, err)
		}
		add(batch)
	}

	if f.Before.IsZero() || len(ids) == 0 {
		return ids, nil
	}

	cutoff := strconv.FormatInt(f.Before.UnixMilli()-1, 10)
	inRange, err := r.rdb.ZRangeByScore(ctx, createdKey(table), &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s created index: %w", table, err)
	}
	old := make(map[string]struct{}, len(inRange))
	for _, id := range inRange {
		old[id] = struct{}{}
	}
	var bounded []string
	for _, id := range ids {
		if _, ok := old[id]; ok {
			bounded = append(bounded, id)
		}
	}
	return bounded, nil
}

func (r *Redis) Live(ctx context.Context, table string, f Filter, fn func(Event)) (LiveHandle, error) {
	var channels []string
	for _, c := range f.Any {
		for _, v := range c.Values {
			channels = append(channels, liveChan(table, c.Field, v))
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("live subscription on %s needs at least one clause", table)
	}

	pubsub := r.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	sub := &redisSub{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("bad live event payload")
					continue
				}
				fn(ev)
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Kill(h LiveHandle) error { return h.kill() }

func (r *Redis) Close() error { return r.rdb.Close() }

func (s *redisSub) kill() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}

// publish fans the event out on the channel of every indexed field the record
// carries. A valid signal has exactly one of to_user/group_id, so a subscriber
// never sees the same record twice.
func (r *Redis) publish(ctx context.Context, table string, rec map[string]any, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, field := range indexedFields[table] {
		if v, _ := rec[field].(string); v != "" {
			if err := r.rdb.Publish(ctx, liveChan(table, field, v), b).Err(); err != nil {
				r.log.Warn().Err(err).Str("table", table).Msg("live publish failed")
			}
		}
	}
}
