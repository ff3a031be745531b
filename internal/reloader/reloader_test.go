package reloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"hookrelay/internal/testutil"
)

type fakeVersions struct {
	mu      sync.Mutex
	version int64
	err     error
}

func (f *fakeVersions) Version(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.err
}

func (f *fakeVersions) set(v int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version, f.err = v, err
}

type fakeLoader struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeLoader) LoadAllRegistries(context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("storage unavailable")
	}
	return nil
}

func run(t *testing.T, r *Reloader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReloader_ReloadsOnVersionChange(t *testing.T) {
	t.Parallel()

	versions := &fakeVersions{version: 3}
	loader := &fakeLoader{}
	r := New(versions, loader, 5*time.Millisecond)
	run(t, r)

	testutil.MustWaitFor(t, func() bool { return r.Version() == 3 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	if calls := loader.calls.Load(); calls != 0 {
		t.Fatalf("initial version should not trigger a reload, got %d", calls)
	}

	versions.set(4, nil)
	testutil.MustWaitFor(t, func() bool { return r.Version() == 4 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
	if calls := loader.calls.Load(); calls != 1 {
		t.Errorf("LoadAllRegistries calls = %d, want 1", calls)
	}
	if r.Reloads() != 1 {
		t.Errorf("Reloads() = %d, want 1", r.Reloads())
	}
}

func TestReloader_FailedReloadIsRetried(t *testing.T) {
	t.Parallel()

	versions := &fakeVersions{version: 1}
	loader := &fakeLoader{}
	loader.fail.Store(true)
	r := New(versions, loader, 5*time.Millisecond)
	run(t, r)

	testutil.MustWaitFor(t, func() bool { return r.Version() == 1 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
	versions.set(2, nil)
	testutil.MustWaitFor(t, func() bool { return loader.calls.Load() >= 2 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
	if r.Version() != 1 {
		t.Fatalf("Version() = %d after failed reloads, want 1", r.Version())
	}

	loader.fail.Store(false)
	testutil.MustWaitFor(t, func() bool { return r.Version() == 2 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
}

func TestReloader_VersionErrorKeepsPolling(t *testing.T) {
	t.Parallel()

	versions := &fakeVersions{err: errors.New("redis down")}
	loader := &fakeLoader{}
	r := New(versions, loader, 5*time.Millisecond)
	run(t, r)

	time.Sleep(20 * time.Millisecond)
	versions.set(7, nil)
	testutil.MustWaitFor(t, func() bool { return r.Version() == 7 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(time.Millisecond))
	if calls := loader.calls.Load(); calls != 1 {
		t.Errorf("LoadAllRegistries calls = %d, want 1", calls)
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	t.Parallel()
	r := New(&fakeVersions{}, &fakeLoader{}, 0)
	if r.pollInterval != 5*time.Second {
		t.Errorf("pollInterval = %v, want 5s", r.pollInterval)
	}
}

func TestRedisVersions_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available: %v", err)
	}

	versions := &RedisVersions{client: client, key: "hookrelay:test:" + t.Name()}
	defer client.Del(ctx, versions.key)

	v, err := versions.Version(ctx)
	if err != nil || v != 0 {
		t.Fatalf("Version() = %d, %v; want 0 for a missing key", v, err)
	}
	bumped, err := versions.Bump(ctx)
	if err != nil || bumped != 1 {
		t.Fatalf("Bump() = %d, %v; want 1", bumped, err)
	}
	if v, _ := versions.Version(ctx); v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
}
