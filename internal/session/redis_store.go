package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore implements Store on Redis so multiple instances can share
// session state. Each session is a JSON blob with a TTL; a set under the
// index key tracks which IPs exist.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// sessionData is the JSON shape stored in Redis.
type sessionData struct {
	IP           string       `json:"ip"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	RequestCount int          `json:"request_count"`
	Requests     []RequestLog `json:"requests,omitempty"`
	Fingerprints []string     `json:"fingerprints,omitempty"`
	ScoreHistory []ScorePoint `json:"score_history,omitempty"`
}

// NewRedisStore connects to Redis and verifies the connection. Keys
// expire a little after the idle timeout so the sweep only has to
// reconcile the index.
func NewRedisStore(cfg RedisConfig, timeout time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "warden:session:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       timeout + 5*time.Minute,
	}, nil
}

func (r *RedisStore) sessionKey(ip string) string {
	return r.keyPrefix + ip
}

func (r *RedisStore) indexKey() string {
	return r.keyPrefix + "index"
}

func (r *RedisStore) Get(ctx context.Context, ip string) (*Session, bool, error) {
	val, err := r.client.Get(ctx, r.sessionKey(ip)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, false, fmt.Errorf("unmarshal session %s: %w", ip, err)
	}
	return sessionFromData(&data), true, nil
}

func (r *RedisStore) Put(ctx context.Context, sess *Session) error {
	data := dataFromSession(sess)
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", data.IP, err)
	}

	if err := r.client.Set(ctx, r.sessionKey(data.IP), blob, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), data.IP).Err(); err != nil {
		return fmt.Errorf("redis index add: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ip string) error {
	if err := r.client.Del(ctx, r.sessionKey(ip)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), ip).Err(); err != nil {
		return fmt.Errorf("redis index rem: %w", err)
	}
	return nil
}

func (r *RedisStore) IPs(ctx context.Context) ([]string, error) {
	ips, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index members: %w", err)
	}
	return ips, nil
}

func (r *RedisStore) Count(ctx context.Context) int {
	n, err := r.client.SCard(ctx, r.indexKey()).Result()
	if err != nil {
		slog.Error("redis index count failed", "error", err)
		return 0
	}
	return int(n)
}

// Sweep reconciles the index with the keys Redis has already expired:
// index members whose session key is gone are removed and reported.
func (r *RedisStore) Sweep(ctx context.Context) []string {
	ips, err := r.IPs(ctx)
	if err != nil {
		slog.Error("redis sweep failed", "error", err)
		return nil
	}

	var removed []string
	for _, ip := range ips {
		exists, err := r.client.Exists(ctx, r.sessionKey(ip)).Result()
		if err != nil {
			slog.Error("redis sweep check failed", "ip", ip, "error", err)
			continue
		}
		if exists == 0 {
			if err := r.client.SRem(ctx, r.indexKey(), ip).Err(); err != nil {
				slog.Error("redis sweep index rem failed", "ip", ip, "error", err)
				continue
			}
			removed = append(removed, ip)
		}
	}
	return removed
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionFromData(data *sessionData) *Session {
	sess := &Session{
		IP:           data.IP,
		FirstSeen:    data.FirstSeen,
		LastSeen:     data.LastSeen,
		RequestCount: data.RequestCount,
		Requests:     data.Requests,
		Fingerprints: make(map[string]bool, len(data.Fingerprints)),
		ScoreHistory: data.ScoreHistory,
	}
	for _, fp := range data.Fingerprints {
		sess.Fingerprints[fp] = true
	}
	return sess
}

func dataFromSession(sess *Session) *sessionData {
	snap := sess.Snapshot()
	return &sessionData{
		IP:           snap.IP,
		FirstSeen:    snap.FirstSeen,
		LastSeen:     snap.LastSeen,
		RequestCount: snap.RequestCount,
		Requests:     snap.Requests,
		Fingerprints: snap.Fingerprints,
		ScoreHistory: snap.ScoreHistory,
	}
}
