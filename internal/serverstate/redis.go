package serverstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the room state when no key is given.
const DefaultRedisKey = "frame:state"

// redisStore implements Store backed by a Redis instance. Every call is
// bounded by timeout so a slow Redis cannot stall the caller.
type redisStore struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

// NewRedisStore connects to the given Redis URL and returns a Store that
// keeps the state as JSON under key. The key is initialized to a default
// state if it does not exist.
func NewRedisStore(ctx context.Context, addr, key string) (Store, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: key, timeout: time.Second}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	b, _ := json.Marshal(State{Status: "not_ready"})
	_ = c.SetNX(ctx, rs.key, b, 0).Err()
	return rs, nil
}

// parseRedisURL accepts a bare host:port or a redis://, rediss://,
// redis-sentinel:// or rediss-sentinel:// URL. Several hosts may be given
// separated by commas, which selects a cluster client.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	q := u.Query()
	path := strings.TrimPrefix(u.Path, "/")

	sentinel := strings.HasSuffix(u.Scheme, "-sentinel")
	switch strings.TrimSuffix(u.Scheme, "-sentinel") {
	case "redis":
	case "rediss":
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	db := q.Get("db")
	if sentinel {
		opts.MasterName = path
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if path != "" {
		db = path
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db %q: %w", db, err)
		}
		opts.DB = n
	}
	return opts, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: "not_ready"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_ = r.client.Set(ctx, r.key, b, 0).Err()
}

// Close releases the Redis connection pool.
func (r *redisStore) Close() error {
	return r.client.Close()
}
