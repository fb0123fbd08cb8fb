package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "projectweek:1:2025-03-10:lock")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, 20, counter)
}

func TestLocalSerializesSameKey(t *testing.T) {
	exerciseLocker(t, NewLocal())
}

func TestRedisSerializesSameKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseLocker(t, NewRedis(client, time.Second))
	require.False(t, mr.Exists("projectweek:1:2025-03-10:lock"))
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestFallbackUsesLocalWhenRedisIsDown(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	var failures int
	var mu sync.Mutex
	l := NewFallback(NewRedis(client, time.Second), func(string, error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})
	exerciseLocker(t, l)
	require.Positive(t, failures)
}
