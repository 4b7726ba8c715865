package vault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/vault/api"
)

func createTestAPIClient(t *testing.T, token string) *api.Client {
	t.Helper()
	config := api.DefaultConfig()
	config.Address = "http://localhost:8200"
	client, err := api.NewClient(config)
	if err != nil {
		t.Fatalf("Failed to create test client: %v", err)
	}
	client.SetToken(token)
	return client
}

func TestNewClientCache(t *testing.T) {
	cache := NewClientCache()
	if cache == nil {
		t.Fatal("NewClientCache() returned nil")
	}
	if cache.clients == nil {
		t.Error("NewClientCache() did not initialize clients map")
	}
	if cache.Size() != 0 {
		t.Errorf("NewClientCache() Size() = %d, want 0", cache.Size())
	}
}

func TestClientCacheGetOrCreateAndGet(t *testing.T) {
	cache := NewClientCache()
	client := createTestAPIClient(t, "tok-1")

	created, err := cache.GetOrCreate("s1", func() (*api.Client, error) { return client, nil })
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if created != client {
		t.Error("GetOrCreate() returned different client than the factory built")
	}

	retrieved, err := cache.GetOrCreate("s1", func() (*api.Client, error) {
		t.Error("factory must not run for a cached session")
		return nil, errors.New("unexpected")
	})
	if err != nil {
		t.Errorf("GetOrCreate() error = %v", err)
	}
	if retrieved != client {
		t.Error("GetOrCreate() returned different client than what was created")
	}
}

func TestClientCacheDeleteClearsToken(t *testing.T) {
	cache := NewClientCache()
	client := createTestAPIClient(t, "tok-1")
	_, _ = cache.GetOrCreate("s1", func() (*api.Client, error) { return client, nil })

	cache.Delete("s1")

	if cache.Size() != 0 {
		t.Errorf("Size() = %d after Delete, want 0", cache.Size())
	}
	if client.Token() != "" {
		t.Error("Delete() must clear the token of the dropped client")
	}

	// Deleting a missing session is a no-op.
	cache.Delete("s1")
}

func TestClientCacheGetOrCreateError(t *testing.T) {
	cache := NewClientCache()
	expectedErr := errors.New("factory failed")

	_, err := cache.GetOrCreate("s1", func() (*api.Client, error) {
		return nil, expectedErr
	})
	if !errors.Is(err, expectedErr) {
		t.Errorf("GetOrCreate() error = %v, want %v", err, expectedErr)
	}
	if cache.Size() != 0 {
		t.Error("failed factory must not populate the cache")
	}
}

func TestClientCacheConcurrentGetOrCreate(t *testing.T) {
	cache := NewClientCache()
	numGoroutines := 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	var factoryCallCount atomic.Int32
	var clients []*api.Client
	var clientsMu sync.Mutex

	// All goroutines try to get or create the same session client
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()

			client, err := cache.GetOrCreate("shared-session", func() (*api.Client, error) {
				factoryCallCount.Add(1)
				return createTestAPIClient(t, "tok"), nil
			})
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}

			clientsMu.Lock()
			clients = append(clients, client)
			clientsMu.Unlock()
		}()
	}

	wg.Wait()

	// Factory should only be called once
	if count := factoryCallCount.Load(); count != 1 {
		t.Errorf("Factory was called %d times, expected exactly 1", count)
	}

	if len(clients) != numGoroutines {
		t.Fatalf("Expected %d clients, got %d", numGoroutines, len(clients))
	}

	firstClient := clients[0]
	for i, c := range clients {
		if c != firstClient {
			t.Errorf("Client at index %d is different from first client", i)
		}
	}
}

func TestClientCacheConcurrentAccess(t *testing.T) {
	cache := NewClientCache()
	numGoroutines := 50
	numOperations := 40

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()

			for j := 0; j < numOperations; j++ {
				sessionID := fmt.Sprintf("s%d", id%10)

				switch j % 4 {
				case 0:
					_, _ = cache.GetOrCreate(sessionID, func() (*api.Client, error) {
						return createTestAPIClient(t, "tok"), nil
					})
				case 1:
					cache.Delete(fmt.Sprintf("s%d", (id+1)%10))
				case 2:
					cache.Delete(sessionID)
				case 3:
					cache.Size()
				}
			}
		}(i)
	}

	wg.Wait()
	// Test passes if no race conditions or panics occurred
}
