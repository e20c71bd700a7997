package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recipereader/internal/platform/clock"
)

func TestRegistryGetInitializesOnce(t *testing.T) {
	fake := clock.NewFake(baseTime)
	provider := newProviderStub()
	var loads atomic.Int32
	provider.currentSession = func(ctx context.Context, key string) (*Session, error) {
		loads.Add(1)
		return testSession(baseTime.Add(time.Hour)), nil
	}
	registry := NewRegistry(provider, fake, nil)

	var wg sync.WaitGroup
	managers := make([]*Manager, 8)
	for i := range managers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := registry.Get(context.Background(), "key-1")
			require.NoError(t, err)
			managers[i] = m
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, loads.Load())
	for _, m := range managers {
		require.Same(t, managers[0], m)
	}
	require.Equal(t, StatusValid, managers[0].Snapshot().Status)
	require.Equal(t, 1, provider.hub.count("key-1"))
}

func TestRegistryGetRequiresKey(t *testing.T) {
	registry := NewRegistry(newProviderStub(), clock.NewFake(baseTime), nil)

	_, err := registry.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingSessionKey)
}

func TestRegistryRemoveClosesManager(t *testing.T) {
	fake := clock.NewFake(baseTime)
	provider := newProviderStub()
	provider.currentSession = func(ctx context.Context, key string) (*Session, error) {
		return testSession(baseTime.Add(time.Hour)), nil
	}
	registry := NewRegistry(provider, fake, nil)
	_, err := registry.Get(context.Background(), "key-1")
	require.NoError(t, err)

	registry.Remove("key-1")

	require.Nil(t, registry.Peek("key-1"))
	require.Zero(t, provider.hub.count("key-1"))
	require.Zero(t, fake.Pending())
}

func TestRegistryPruneKeepsAuthenticatedManagers(t *testing.T) {
	fake := clock.NewFake(baseTime)
	provider := newProviderStub()
	provider.currentSession = func(ctx context.Context, key string) (*Session, error) {
		if key == "signed-in" {
			return testSession(baseTime.Add(3 * time.Hour)), nil
		}
		return nil, nil
	}
	registry := NewRegistry(provider, fake, nil)
	_, err := registry.Get(context.Background(), "signed-in")
	require.NoError(t, err)
	_, err = registry.Get(context.Background(), "anonymous")
	require.NoError(t, err)

	require.Zero(t, registry.Prune(time.Hour))

	fake.Advance(2 * time.Hour)
	require.Equal(t, 1, registry.Prune(time.Hour))
	require.NotNil(t, registry.Peek("signed-in"))
	require.Nil(t, registry.Peek("anonymous"))
	require.Equal(t, 1, registry.Len())

	registry.Close()
	require.Zero(t, registry.Len())
}
