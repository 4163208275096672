package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "remindbot/pkg/logx"
)

// Key layout (prefix defaults to "remindbot"):
//
//	<prefix>:reminder:<id>   hash with the row fields
//	<prefix>:all             zset id -> scheduled_at ms
//	<prefix>:pending         zset id -> scheduled_at ms, pending rows only
//	<prefix>:owner:<owner>   zset id -> scheduled_at ms
type redisKeys struct{ prefix string }

func (k redisKeys) row(id string) string { return k.prefix + ":reminder:" + id }
func (k redisKeys) all() string { return k.prefix + ":all" }
func (k redisKeys) pending() string { return k.prefix + ":pending" }
func (k redisKeys) owner(owner string) string { return k.prefix + ":owner:" + owner }

// insertScript writes the hash and all indexes, refusing existing ids.
// KEYS: row, all, pending, owner. ARGV: id, score, status, then field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
if ARGV[3] == 'pending' then redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1]) end
return 1
`)

// transitionScript is the compare-and-set on status.
// KEYS: row, pending. ARGV: id, to, reason, updated_at, from...
// Returns -1 when the row is missing, 0 when the status did not match, 1 on success.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
for i = 5, #ARGV do
  if ARGV[i] == cur then
    redis.call('HSET', KEYS[1], 'status', ARGV[2], 'reason', ARGV[3], 'updated_at', ARGV[4])
    if ARGV[2] == 'pending' then
      redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'scheduled_at'), ARGV[1])
    else
      redis.call('ZREM', KEYS[2], ARGV[1])
    end
    return 1
  end
end
return 0
`)

type redisStore struct {
	client *redis.Client
	keys   redisKeys
	loc    *time.Location
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "remindbot"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.DB), logx.String("prefix", prefix))
	return &redisStore{client: client, keys: redisKeys{prefix: prefix}, loc: cfg.location(), log: log}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Insert(ctx context.Context, r Record) error {
	w := toRow(r, s.loc)
	keys := []string{s.keys.row(w.ID), s.keys.all(), s.keys.pending(), s.keys.owner(w.Owner)}
	n, err := insertScript.Run(ctx, s.client, keys, insertArgs(w)...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func insertArgs(w row) []any {
	h := w.hash()
	args := make([]any, 0, 3+2*len(h))
	args = append(args, w.ID, w.ScheduledAt, w.Status)
	for k, v := range h {
		args = append(args, k, v)
	}
	return args
}

func (s *redisStore) Get(ctx context.Context, id string) (Record, error) {
	m, err := s.client.HGetAll(ctx, s.keys.row(id)).Result()
	if err != nil {
		return Record{}, err
	}
	w, err := rowFromHash(m)
	if err != nil {
		return Record{}, err
	}
	return w.record(s.loc), nil
}

// Range picks the narrowest sorted-set index, then loads the hashes in one pipeline.
func (s *redisStore) Range(ctx context.Context, q RangeQuery) ([]Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexFor(q), scoreRange(q)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.row(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	for i, cmd := range cmds {
		w, err := rowFromHash(cmd.Val())
		if err != nil {
			s.log.Warn("skipping unreadable reminder", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		rec := w.record(s.loc)
		if q.match(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *redisStore) indexFor(q RangeQuery) string {
	if q.Owner != "" {
		return s.keys.owner(q.Owner)
	}
	if len(q.Statuses) == 1 && q.Statuses[0] == StatusPending {
		return s.keys.pending()
	}
	return s.keys.all()
}

func scoreRange(q RangeQuery) *redis.ZRangeBy {
	zr := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !q.From.IsZero() {
		zr.Min = strconv.FormatInt(q.From.UnixMilli(), 10)
	}
	if !q.To.IsZero() {
		zr.Max = strconv.FormatInt(q.To.UnixMilli(), 10)
	}
	return zr
}

func (s *redisStore) Transition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	keys := []string{s.keys.row(t.ID), s.keys.pending()}
	n, err := transitionScript.Run(ctx, s.client, keys, transitionArgs(t)...).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case 1:
		return true, nil
	case -1:
		return false, ErrNotFound
	default:
		return false, nil
	}
}

func transitionArgs(t Transition) []any {
	args := make([]any, 0, 4+len(t.From))
	args = append(args, t.ID, string(t.To), t.Reason, t.At.UnixMilli())
	for _, st := range t.From {
		args = append(args, string(st))
	}
	return args
}
