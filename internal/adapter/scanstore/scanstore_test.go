package scanstore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/garyburd/redigo/redis"

	"github.com/nexus-edge/register-bridge/internal/adapter/scanstore"
	"github.com/nexus-edge/register-bridge/internal/domain"
	"github.com/nexus-edge/register-bridge/testing/testutil"
)

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := scanstore.NewFileStore(dir)
	ctx := context.Background()

	_, err := store.Load(ctx, domain.BankInput)
	testutil.AssertErrorIs(t, err, domain.ErrScanNotFound)

	raw := domain.RawRegistry{0: 1, 45: 0xFFFF, 300: 7}
	testutil.RequireNoError(t, store.Save(ctx, domain.BankInput, raw))

	if _, err := os.Stat(store.Path(domain.BankInput)); err != nil {
		t.Fatalf("scan file missing: %v", err)
	}
	if store.Path(domain.BankHolding) == store.Path(domain.BankInput) {
		t.Error("banks must use separate files")
	}

	got, err := store.Load(ctx, domain.BankInput)
	testutil.RequireNoError(t, err)
	if len(got) != 3 || got[45] != 0xFFFF || got[300] != 7 {
		t.Errorf("loaded = %v", got)
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	dir := t.TempDir()
	store := scanstore.NewFileStore(dir)
	testutil.WriteTemp(t, dir, "holding_registry.json", `{"x": 1}`)

	if _, err := store.Load(context.Background(), domain.BankHolding); err == nil {
		t.Error("non-numeric address should fail")
	}
}

// fakeRedis is a redis.Conn serving the hash commands the store uses.
type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
}

func (f *fakeRedis) Close() error { return nil }
func (f *fakeRedis) Err() error { return nil }
func (f *fakeRedis) Send(cmd string, args ...interface{}) error { return nil }
func (f *fakeRedis) Flush() error { return nil }
func (f *fakeRedis) Receive() (interface{}, error) { return nil, nil }

func (f *fakeRedis) Do(cmd string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case "":
		return nil, nil
	case "PING":
		return "PONG", nil
	case "DEL":
		delete(f.hashes, fmt.Sprint(args[0]))
		return int64(1), nil
	case "HSET":
		key := fmt.Sprint(args[0])
		h, ok := f.hashes[key]
		if !ok {
			h = make(map[string]string)
			f.hashes[key] = h
		}
		for i := 1; i+1 < len(args); i += 2 {
			h[fmt.Sprint(args[i])] = fmt.Sprint(args[i+1])
		}
		return int64(len(args) / 2), nil
	case "HGETALL":
		var out []interface{}
		for k, v := range f.hashes[fmt.Sprint(args[0])] {
			out = append(out, []byte(k), []byte(v))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported command %s", cmd)
}

func newFakeRedisStore(fake *fakeRedis) *scanstore.RedisStore {
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) { return fake, nil },
	}
	return scanstore.NewRedisStoreWithPool(pool, "", "inv-1")
}

func TestRedisStore_RoundTrip(t *testing.T) {
	fake := &fakeRedis{hashes: make(map[string]map[string]string)}
	store := newFakeRedisStore(fake)
	ctx := context.Background()

	if got := store.Key(domain.BankHolding); got != "register-bridge:inv-1:scan:holding" {
		t.Errorf("Key = %s", got)
	}

	_, err := store.Load(ctx, domain.BankHolding)
	testutil.AssertErrorIs(t, err, domain.ErrScanNotFound)

	testutil.RequireNoError(t, store.Save(ctx, domain.BankHolding, domain.RawRegistry{3: 42, 90: 65535}))
	got, err := store.Load(ctx, domain.BankHolding)
	testutil.RequireNoError(t, err)
	if len(got) != 2 || got[3] != 42 || got[90] != 65535 {
		t.Errorf("loaded = %v", got)
	}

	testutil.RequireNoError(t, store.Save(ctx, domain.BankHolding, domain.RawRegistry{5: 1}))
	got, err = store.Load(ctx, domain.BankHolding)
	testutil.RequireNoError(t, err)
	if len(got) != 1 || got[5] != 1 {
		t.Errorf("save should replace the previous scan: %v", got)
	}

	testutil.RequireNoError(t, store.HealthCheck(ctx))
}
