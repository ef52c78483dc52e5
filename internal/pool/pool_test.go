package pool

import (
	"testing"
	"time"
)

func TestHTTPPool_GetClientIsPerAccount(t *testing.T) {
	p := NewHTTPPool(PoolConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     time.Minute,
		MaxClients:          10,
		ClientIdleTTL:       time.Minute,
		ResponseTimeout:     time.Second,
	})
	defer p.Close()

	a := p.GetClient("acct-a")
	b := p.GetClient("acct-b")
	if a == b {
		t.Error("expected distinct clients for distinct accounts")
	}

	again := p.GetClient("acct-a")
	if again != a {
		t.Error("expected a repeat GetClient for the same account to return the cached client")
	}

	if p.Stats().TotalClients != 2 {
		t.Errorf("expected 2 pooled clients, got %d", p.Stats().TotalClients)
	}
}

func TestHTTPPool_EvictsOldestAtCapacity(t *testing.T) {
	p := NewHTTPPool(PoolConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     time.Minute,
		MaxClients:          2,
		ClientIdleTTL:       time.Minute,
		ResponseTimeout:     time.Second,
	})
	defer p.Close()

	p.GetClient("acct-a")
	p.GetClient("acct-b")
	p.GetClient("acct-c")

	if p.Stats().TotalClients != 2 {
		t.Fatalf("expected eviction to hold the pool at MaxClients=2, got %d", p.Stats().TotalClients)
	}
}

func TestHTTPPool_EmptyAccountIDUsesSharedClient(t *testing.T) {
	p := NewHTTPPool(DefaultPoolConfig())
	defer p.Close()

	c1 := p.GetClient("")
	c2 := p.GetClient("")
	if c1 != c2 {
		t.Error("expected the shared client to be returned for an empty account id both times")
	}
	if p.Stats().TotalClients != 0 {
		t.Errorf("expected the shared client not to count toward pooled per-account clients, got %d", p.Stats().TotalClients)
	}
}
