package scanstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// RedisStore keeps each bank's scan in a Redis hash of address -> word.
type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	DeviceID  string
	Timeout   time.Duration
}

// NewRedisStore creates a store backed by a connection pool for cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	pool := &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
			)
		},
	}
	return NewRedisStoreWithPool(pool, cfg.KeyPrefix, cfg.DeviceID)
}

// NewRedisStoreWithPool creates a store using an existing pool.
func NewRedisStoreWithPool(pool *redis.Pool, keyPrefix, deviceID string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "register-bridge"
	}
	return &RedisStore{pool: pool, prefix: keyPrefix + ":" + deviceID}
}

// Key returns the hash key holding bank's scan.
func (s *RedisStore) Key(bank domain.Bank) string {
	return fmt.Sprintf("%s:scan:%s", s.prefix, bank)
}

// Save implements domain.ScanStore. The previous scan is replaced.
func (s *RedisStore) Save(ctx context.Context, bank domain.Bank, raw domain.RawRegistry) error {
	conn := s.pool.Get()
	defer conn.Close()

	key := s.Key(bank)
	if _, err := conn.Do("DEL", key); err != nil {
		return fmt.Errorf("scan store: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	args := redis.Args{}.Add(key)
	for addr, word := range raw {
		args = args.Add(strconv.Itoa(int(addr)), word)
	}
	if _, err := conn.Do("HSET", args...); err != nil {
		return fmt.Errorf("scan store: %w", err)
	}
	return nil
}

// Load implements domain.ScanStore.
func (s *RedisStore) Load(ctx context.Context, bank domain.Bank) (domain.RawRegistry, error) {
	conn := s.pool.Get()
	defer conn.Close()

	fields, err := redis.StringMap(conn.Do("HGETALL", s.Key(bank)))
	if err == redis.ErrNil {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, bank)
	}
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, bank)
	}

	doc := make(map[string]uint16, len(fields))
	for key, value := range fields {
		word, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("scan store: bad word %q at %s", value, key)
		}
		doc[key] = uint16(word)
	}
	return decodeRegistry(doc)
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	conn := s.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PING")
	return err
}

// Close releases the pool.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}
