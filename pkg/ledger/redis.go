package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis ledger.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"-"`
	DB           int           `yaml:"db" json:"db"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultRedisKeyPrefix namespaces ledger keys.
const DefaultRedisKeyPrefix = "zkjudge:ledger:"

// redisClient is the subset of Redis the ledger needs. The three hold
// operations run server side as scripts, so each is atomic.
type redisClient interface {
	// ReserveHold runs reserveScript. keys are record, auditor log and paid
	// log; args are the reserveScript arguments.
	ReserveHold(ctx context.Context, keys []string, args []string) ([]int64, error)
	// CommitHold runs commitScript on the record key.
	CommitHold(ctx context.Context, recordKey, payoutRef string) (bool, error)
	// ReleaseHold runs releaseScript. keys are record, auditor log and paid log.
	ReleaseHold(ctx context.Context, keys []string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Reply codes of reserveScript, in Verdict order.
const (
	replyReserved = iota
	replyDuplicate
	replyRateLimited
	replyCoolingDown
	replyCapReached
)

// reserveScript checks the replay key and the limits, then stores the
// pending record and adds it to the auditor log and the paid log.
//
// ARGV: now, window start, max in window, cooldown, daily cap, day start
// (all times in milliseconds), amount, fingerprint, audit id, auditor id.
// Reply: code, amount, count in window, last payout (-1 for none), paid today.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {1, 0, 0, -1, 0}
end
local now = tonumber(ARGV[1])
local maxIn = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local cap = tonumber(ARGV[5])
local amount = tonumber(ARGV[7])

local count = redis.call('ZCOUNT', KEYS[2], '(' .. ARGV[2], ARGV[1])
local last = -1
local top = redis.call('ZREVRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if #top == 2 then
	last = tonumber(top[2])
end
local paid = 0
for _, m in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], ARGV[6], '+inf')) do
	local a = tonumber(string.match(m, '^(%d+)|'))
	if a then
		paid = paid + a
	end
end

if maxIn > 0 and count >= maxIn then
	return {2, 0, count, last, paid}
end
if cooldown > 0 and last >= 0 and now - last < cooldown then
	return {3, 0, count, last, paid}
end
if cap > 0 then
	if cap - paid <= 0 then
		return {4, 0, count, last, paid}
	end
	if amount > cap - paid then
		amount = cap - paid
	end
end

redis.call('HSET', KEYS[1],
	'fingerprint', ARGV[8], 'audit_id', ARGV[9], 'auditor_id', ARGV[10],
	'bounty_amount', amount, 'payout_ref', '', 'paid_at', ARGV[1], 'status', 'pending')
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[1], amount .. '|' .. ARGV[8])
return {0, amount, count, last, paid}
`)

var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'paid', 'payout_ref', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return 0
end
local fp = redis.call('HGET', KEYS[1], 'fingerprint')
local amount = redis.call('HGET', KEYS[1], 'bounty_amount')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], fp)
redis.call('ZREM', KEYS[3], amount .. '|' .. fp)
return 1
`)

type goRedisClient struct {
	client *redis.Client
}

var _ redisClient = (*goRedisClient)(nil)

func newGoRedisClient(cfg *RedisConfig) (*goRedisClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &goRedisClient{client: client}, nil
}

func (c *goRedisClient) ReserveHold(ctx context.Context, keys []string, args []string) ([]int64, error) {
	argv := make([]any, len(args))
	for i, a := range args {
		argv[i] = a
	}
	return reserveScript.Run(ctx, c.client, keys, argv...).Int64Slice()
}

func (c *goRedisClient) CommitHold(ctx context.Context, recordKey, payoutRef string) (bool, error) {
	n, err := commitScript.Run(ctx, c.client, []string{recordKey}, payoutRef).Int()
	return n == 1, err
}

func (c *goRedisClient) ReleaseHold(ctx context.Context, keys []string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, keys).Int()
	return n == 1, err
}

func (c *goRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *goRedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *goRedisClient) Close() error {
	return c.client.Close()
}

// Redis is a ledger in Redis. Records are hashes; each auditor has a sorted
// set of fingerprints scored by payout time in milliseconds, and a global
// sorted set of "amount|fingerprint" members feeds the daily cap.
type Redis struct {
	client    redisClient
	keyPrefix string
}

var _ Ledger = (*Redis)(nil)

// NewRedisFromConfig connects to Redis.
func NewRedisFromConfig(cfg *RedisConfig) (*Redis, error) {
	client, err := newGoRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return newRedis(client, cfg.KeyPrefix), nil
}

func newRedis(client redisClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) recordKey(fingerprint string) string { return r.keyPrefix + "record:" + fingerprint }
func (r *Redis) auditorKey(auditorID string) string  { return r.keyPrefix + "auditor:" + auditorID }
func (r *Redis) paidKey() string                     { return r.keyPrefix + "paid" }

func (r *Redis) keys(h Hold) []string {
	return []string{r.recordKey(h.Fingerprint), r.auditorKey(h.AuditorID), r.paidKey()}
}

// Reserve runs the reserve script.
func (r *Redis) Reserve(ctx context.Context, h Hold) (Reservation, error) {
	const op = "ledger.redis.Reserve"
	if err := h.Validate(); err != nil {
		return Reservation{}, invalid(op, err)
	}

	ms := func(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
	args := []string{
		ms(h.At),
		ms(h.At.Add(-h.Limits.Window)),
		strconv.Itoa(h.Limits.MaxInWindow),
		strconv.FormatInt(h.Limits.Cooldown.Milliseconds(), 10),
		strconv.FormatInt(h.Limits.DailyCap, 10),
		ms(h.Limits.DayStart),
		strconv.FormatInt(h.Amount, 10),
		h.Fingerprint,
		h.AuditID,
		h.AuditorID,
	}
	reply, err := r.client.ReserveHold(ctx, r.keys(h), args)
	if err != nil {
		return Reservation{}, unavailable(op, err)
	}
	if len(reply) != 5 {
		return Reservation{}, unavailable(op, fmt.Errorf("reserve script replied %v", reply))
	}

	res := Reservation{
		Amount: reply[1],
		Rate: RateState{
			CountInWindow: int(reply[2]),
			WindowStart:   h.At.Add(-h.Limits.Window),
		},
		PaidToday: reply[4],
	}
	if reply[3] >= 0 {
		t := time.UnixMilli(reply[3]).UTC()
		res.Rate.LastPayoutAt = &t
	}
	switch reply[0] {
	case replyReserved:
		res.Verdict = Reserved
	case replyDuplicate:
		res.Verdict = Duplicate
		if res.Existing, err = r.Get(ctx, h.Fingerprint); err != nil {
			return Reservation{}, err
		}
	case replyRateLimited:
		res.Verdict = RateLimited
	case replyCoolingDown:
		res.Verdict = CoolingDown
	case replyCapReached:
		res.Verdict = CapReached
	default:
		return Reservation{}, unavailable(op, fmt.Errorf("reserve script replied code %d", reply[0]))
	}
	return res, nil
}

// Commit runs the commit script.
func (r *Redis) Commit(ctx context.Context, h Hold, payoutRef string) error {
	const op = "ledger.redis.Commit"
	ok, err := r.client.CommitHold(ctx, r.recordKey(h.Fingerprint), payoutRef)
	if err != nil {
		return unavailable(op, err)
	}
	if !ok {
		return notPending(op, h.Fingerprint)
	}
	return nil
}

// Release runs the release script.
func (r *Redis) Release(ctx context.Context, h Hold) error {
	if _, err := r.client.ReleaseHold(ctx, r.keys(h)); err != nil {
		return unavailable("ledger.redis.Release", err)
	}
	return nil
}

// Get returns the record for fingerprint.
func (r *Redis) Get(ctx context.Context, fingerprint string) (*SettlementRecord, error) {
	const op = "ledger.redis.Get"
	fields, err := r.client.HGetAll(ctx, r.recordKey(fingerprint))
	if err != nil {
		return nil, unavailable(op, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	amount, err := strconv.ParseInt(fields["bounty_amount"], 10, 64)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("record %s: bounty_amount: %w", fingerprint, err))
	}
	paidAt, err := strconv.ParseInt(fields["paid_at"], 10, 64)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("record %s: paid_at: %w", fingerprint, err))
	}
	return &SettlementRecord{
		Fingerprint:  fields["fingerprint"],
		AuditID:      fields["audit_id"],
		AuditorID:    fields["auditor_id"],
		BountyAmount: amount,
		PayoutRef:    fields["payout_ref"],
		PaidAt:       time.UnixMilli(paidAt).UTC(),
		Status:       fields["status"],
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return unavailable("ledger.redis.Ping", err)
	}
	return nil
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
