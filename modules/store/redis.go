package store

import (
	"context"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key layout. Everything lives under the gs: prefix so an operator can
// inspect or flush the namespace without touching other users of the
// instance.
const (
	keyPrefixState    = "gs:st:"     // + collector:camera:object -> JSON ObjectState
	keyPrefixStateIdx = "gs:stidx:"  // + collector:camera        -> set of object ids
	keyPrefixAgg      = "gs:agg:"    // + collector:camera:cell   -> hash object id -> dwell ms
	keyPrefixAggIdx   = "gs:aggidx:" // + collector:camera        -> set of cell ids
	keyPrefixTimeline = "gs:tl:"     // + collector:camera:object -> list of JSON TimelineEntry
	keyStreams        = "gs:streams" // set of JSON StreamKey
	keyRecentEvents   = "gs:ev:recent"
	keyFeedbackAudit  = "gs:audit:feedback"
)

func stateKey(k ObjectKey) string    { return keyPrefixState + k.String() }
func timelineKey(k ObjectKey) string { return keyPrefixTimeline + k.String() }
func aggKey(k CellKey) string        { return keyPrefixAgg + k.String() }

func stateIdxKey(collectorID, cameraID string) string {
	return keyPrefixStateIdx + collectorID + ":" + cameraID
}

func aggIdxKey(collectorID, cameraID string) string {
	return keyPrefixAggIdx + collectorID + ":" + cameraID
}

type RedisStore struct {
	cfg    Config
	client *redis.Client
	logger log.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(cfg Config, logger log.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Endpoint,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &RedisStore{
		cfg:    cfg,
		client: client,
		logger: log.With(logger, "component", "store"),
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity; used by startup and the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedisErr("ping", err)
	}
	return nil
}

func wrapRedisErr(op string, err error) error {
	return griderr.Wrap(griderr.CodeStoreUnavailable, err, "redis %s", op)
}

func (s *RedisStore) exec(ctx context.Context, pipe redis.Pipeliner, op string) error {
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(op, err)
	}
	return nil
}

// --- object state ---

func (s *RedisStore) GetObjectState(ctx context.Context, key ObjectKey) (*model.ObjectState, error) {
	b, err := s.client.Get(ctx, stateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRedisErr("get object state", err)
	}

	st := &model.ObjectState{}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt object state %s", key)
	}
	return st, nil
}

func (s *RedisStore) SetObjectState(ctx context.Context, key ObjectKey, state *model.ObjectState) error {
	pipe := s.client.TxPipeline()
	if err := s.queueSetObjectState(ctx, pipe, key, state); err != nil {
		return err
	}
	return s.exec(ctx, pipe, "set object state")
}

func (s *RedisStore) queueSetObjectState(ctx context.Context, c redis.Cmdable, key ObjectKey, state *model.ObjectState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return griderr.Wrap(griderr.CodeInternal, err, "marshal object state %s", key)
	}

	c.Set(ctx, stateKey(key), b, s.cfg.TTL)

	idx := stateIdxKey(key.CollectorID, key.CameraID)
	c.SAdd(ctx, idx, key.ObjectID)
	c.PExpire(ctx, idx, s.cfg.TTL)

	sk, err := json.Marshal(StreamKey{CollectorID: key.CollectorID, CameraID: key.CameraID})
	if err != nil {
		return griderr.Wrap(griderr.CodeInternal, err, "marshal stream key")
	}
	c.SAdd(ctx, keyStreams, sk)
	c.PExpire(ctx, keyStreams, s.cfg.TTL)
	return nil
}

func (s *RedisStore) DeleteObjectState(ctx context.Context, key ObjectKey) error {
	pipe := s.client.TxPipeline()
	s.queueDeleteObjectState(ctx, pipe, key)
	return s.exec(ctx, pipe, "delete object state")
}

func (s *RedisStore) queueDeleteObjectState(ctx context.Context, c redis.Cmdable, key ObjectKey) {
	c.Del(ctx, stateKey(key))
	c.SRem(ctx, stateIdxKey(key.CollectorID, key.CameraID), key.ObjectID)
}

func (s *RedisStore) ListObjectStates(ctx context.Context, collectorID, cameraID string) ([]*model.ObjectState, error) {
	ids, err := s.client.SMembers(ctx, stateIdxKey(collectorID, cameraID)).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("list object states", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, stateKey(ObjectKey{CollectorID: collectorID, CameraID: cameraID, ObjectID: id}))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapRedisErr("list object states", err)
	}

	states := make([]*model.ObjectState, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index member whose state has expired; it ages out with the set's TTL
			continue
		}
		st := &model.ObjectState{}
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt object state")
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *RedisStore) Streams(ctx context.Context) ([]StreamKey, error) {
	members, err := s.client.SMembers(ctx, keyStreams).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("list streams", err)
	}

	streams := make([]StreamKey, 0, len(members))
	for _, m := range members {
		var sk StreamKey
		if err := json.Unmarshal([]byte(m), &sk); err != nil {
			return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt stream key")
		}
		streams = append(streams, sk)
	}
	return streams, nil
}

// --- cell aggregates ---

func (s *RedisStore) AddContribution(ctx context.Context, key CellKey, objectID string, dwellMs int64) error {
	pipe := s.client.TxPipeline()
	s.queueAddContribution(ctx, pipe, key, objectID, dwellMs)
	return s.exec(ctx, pipe, "add contribution")
}

func (s *RedisStore) queueAddContribution(ctx context.Context, c redis.Cmdable, key CellKey, objectID string, dwellMs int64) {
	c.HIncrBy(ctx, aggKey(key), objectID, dwellMs)
	c.PExpire(ctx, aggKey(key), s.cfg.TTL)

	idx := aggIdxKey(key.CollectorID, key.CameraID)
	c.SAdd(ctx, idx, key.CellID)
	c.PExpire(ctx, idx, s.cfg.TTL)
}

func (s *RedisStore) RemoveContribution(ctx context.Context, key CellKey, objectID string) error {
	pipe := s.client.TxPipeline()
	s.queueRemoveContribution(ctx, pipe, key, objectID)
	return s.exec(ctx, pipe, "remove contribution")
}

func (s *RedisStore) queueRemoveContribution(ctx context.Context, c redis.Cmdable, key CellKey, objectID string) {
	c.HDel(ctx, aggKey(key), objectID)
	c.PExpire(ctx, aggKey(key), s.cfg.TTL)
}

func (s *RedisStore) Contributions(ctx context.Context, key CellKey) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, aggKey(key)).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("read contributions", err)
	}

	contributions := make(map[string]int64, len(fields))
	for objectID, raw := range fields {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt contribution %s/%s", key, objectID)
		}
		contributions[objectID] = ms
	}
	return contributions, nil
}

func (s *RedisStore) Cells(ctx context.Context, collectorID, cameraID string) ([]string, error) {
	cells, err := s.client.SMembers(ctx, aggIdxKey(collectorID, cameraID)).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("list cells", err)
	}
	return cells, nil
}

func (s *RedisStore) GetAggregate(ctx context.Context, key CellKey) (*model.CellAggregate, error) {
	contributions, err := s.Contributions(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(contributions) == 0 {
		return nil, nil
	}
	return model.AggregateContributions(key.CellID, contributions), nil
}

func (s *RedisStore) ListAggregates(ctx context.Context, collectorID, cameraID string) ([]*model.CellAggregate, error) {
	cells, err := s.client.SMembers(ctx, aggIdxKey(collectorID, cameraID)).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("list aggregates", err)
	}

	aggregates := make([]*model.CellAggregate, 0, len(cells))
	for _, cellID := range cells {
		agg, err := s.GetAggregate(ctx, CellKey{CollectorID: collectorID, CameraID: cameraID, CellID: cellID})
		if err != nil {
			return nil, err
		}
		if agg == nil || agg.ObjectCount == 0 {
			// every contribution was removed by feedback; nothing to report
			continue
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, nil
}

// --- timeline ---

func (s *RedisStore) PrependTimeline(ctx context.Context, key ObjectKey, entry model.TimelineEntry) error {
	pipe := s.client.TxPipeline()
	if err := s.queuePrependTimeline(ctx, pipe, key, entry); err != nil {
		return err
	}
	return s.exec(ctx, pipe, "prepend timeline")
}

func (s *RedisStore) queuePrependTimeline(ctx context.Context, c redis.Cmdable, key ObjectKey, entry model.TimelineEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return griderr.Wrap(griderr.CodeInternal, err, "marshal timeline entry %s", key)
	}

	tk := timelineKey(key)
	c.LPush(ctx, tk, b)
	c.LTrim(ctx, tk, 0, int64(s.cfg.TimelineLimit)-1)
	c.PExpire(ctx, tk, s.cfg.TTL)
	return nil
}

func (s *RedisStore) ReadTimeline(ctx context.Context, key ObjectKey, limit int) ([]model.TimelineEntry, error) {
	if limit <= 0 || limit > s.cfg.TimelineLimit {
		limit = s.cfg.TimelineLimit
	}

	raw, err := s.client.LRange(ctx, timelineKey(key), 0, int64(limit)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("read timeline", err)
	}

	entries := make([]model.TimelineEntry, 0, len(raw))
	for _, r := range raw {
		var entry model.TimelineEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt timeline entry %s", key)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- recent events ---

func (s *RedisStore) PushRecentEvent(ctx context.Context, ev model.RecentEvent) error {
	pipe := s.client.TxPipeline()
	if err := s.queuePushRecentEvent(ctx, pipe, ev); err != nil {
		return err
	}
	return s.exec(ctx, pipe, "push recent event")
}

func (s *RedisStore) queuePushRecentEvent(ctx context.Context, c redis.Cmdable, ev model.RecentEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return griderr.Wrap(griderr.CodeInternal, err, "marshal recent event")
	}

	c.LPush(ctx, keyRecentEvents, b)
	c.LTrim(ctx, keyRecentEvents, 0, int64(s.cfg.RecentEventsLimit)-1)
	c.PExpire(ctx, keyRecentEvents, s.cfg.TTL)
	return nil
}

func (s *RedisStore) RecentEvents(ctx context.Context, limit int) ([]model.RecentEvent, error) {
	if limit <= 0 || limit > s.cfg.RecentEventsLimit {
		limit = s.cfg.RecentEventsLimit
	}

	raw, err := s.client.LRange(ctx, keyRecentEvents, 0, int64(limit)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedisErr("read recent events", err)
	}

	events := make([]model.RecentEvent, 0, len(raw))
	for _, r := range raw {
		var ev model.RecentEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, griderr.Wrap(griderr.CodeInternal, err, "corrupt recent event")
		}
		events = append(events, ev)
	}
	return events, nil
}

// --- feedback audit ---

type auditRecord struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	Payload any    `json:"payload"`
	TsMs    int64  `json:"ts_ms"`
}

func (s *RedisStore) AppendAudit(ctx context.Context, op string, payload any, tsMs int64) error {
	pipe := s.client.TxPipeline()
	if err := s.queueAppendAudit(ctx, pipe, op, payload, tsMs); err != nil {
		return err
	}
	return s.exec(ctx, pipe, "append audit")
}

func (s *RedisStore) queueAppendAudit(ctx context.Context, c redis.Cmdable, op string, payload any, tsMs int64) error {
	b, err := json.Marshal(auditRecord{
		ID:      uuid.NewString(),
		Op:      op,
		Payload: payload,
		TsMs:    tsMs,
	})
	if err != nil {
		return griderr.Wrap(griderr.CodeInternal, err, "marshal audit record")
	}

	c.LPush(ctx, keyFeedbackAudit, b)
	c.PExpire(ctx, keyFeedbackAudit, s.cfg.TTL)
	return nil
}

// --- atomic batches ---

type txWrites struct {
	s    *RedisStore
	ctx  context.Context
	pipe redis.Pipeliner
	err  error
}

var _ Writes = (*txWrites)(nil)

func (t *txWrites) keep(err error) {
	if t.err == nil && err != nil {
		t.err = err
	}
}

func (t *txWrites) SetObjectState(key ObjectKey, state *model.ObjectState) {
	t.keep(t.s.queueSetObjectState(t.ctx, t.pipe, key, state))
}

func (t *txWrites) DeleteObjectState(key ObjectKey) {
	t.s.queueDeleteObjectState(t.ctx, t.pipe, key)
}

func (t *txWrites) AddContribution(key CellKey, objectID string, dwellMs int64) {
	t.s.queueAddContribution(t.ctx, t.pipe, key, objectID, dwellMs)
}

func (t *txWrites) RemoveContribution(key CellKey, objectID string) {
	t.s.queueRemoveContribution(t.ctx, t.pipe, key, objectID)
}

func (t *txWrites) PrependTimeline(key ObjectKey, entry model.TimelineEntry) {
	t.keep(t.s.queuePrependTimeline(t.ctx, t.pipe, key, entry))
}

func (t *txWrites) DeleteTimeline(key ObjectKey) {
	t.pipe.Del(t.ctx, timelineKey(key))
}

func (t *txWrites) PushRecentEvent(ev model.RecentEvent) {
	t.keep(t.s.queuePushRecentEvent(t.ctx, t.pipe, ev))
}

func (t *txWrites) AppendAudit(op string, payload any, tsMs int64) {
	t.keep(t.s.queueAppendAudit(t.ctx, t.pipe, op, payload, tsMs))
}

// Atomic runs fn against a MULTI/EXEC pipeline. Writes are queued in call
// order and applied all-or-nothing; if fn (or any marshal step) fails,
// nothing is sent to the server.
func (s *RedisStore) Atomic(ctx context.Context, fn func(tx Writes) error) error {
	pipe := s.client.TxPipeline()
	tx := &txWrites{s: s, ctx: ctx, pipe: pipe}

	if err := fn(tx); err != nil {
		pipe.Discard()
		return err
	}
	if tx.err != nil {
		pipe.Discard()
		return tx.err
	}

	return s.exec(ctx, pipe, "atomic batch")
}
