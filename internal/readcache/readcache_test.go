package readcache

import (
	"math/big"
	"testing"
	"time"
)

func TestBigRoundTripCopies(t *testing.T) {
	c := New(time.Minute, nil)
	key := BalanceKey("ethereum", "0xToken", "0xOwner")

	original := big.NewInt(1000)
	c.SetBig(key, original)
	original.SetInt64(1)

	got, ok := c.GetBig(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("cached value was mutated through the caller's pointer: %s", got)
	}

	got.SetInt64(2)
	again, ok := c.GetBig(key)
	if !ok {
		t.Fatal("expected second cache hit")
	}
	if again.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("cached value was mutated through the returned pointer: %s", again)
	}
}

func TestMissIsAMiss(t *testing.T) {
	c := New(time.Minute, nil)
	if _, ok := c.GetBig("absent"); ok {
		t.Fatal("expected miss for absent key")
	}
	c.Set("wrong-type", "a string")
	if _, ok := c.GetBig("wrong-type"); ok {
		t.Fatal("expected miss for non-big entry")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	c.SetBig("k", big.NewInt(7))
	if _, ok := c.GetBig("k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.GetBig("k"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestInvalidateDropsEverything(t *testing.T) {
	c := New(time.Minute, nil)
	c.SetBig(BalanceKey("ethereum", "0xA", "0xB"), big.NewInt(1))
	c.Set(AggregateKey("ethereum", "positions"), "payload")
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	c.Invalidate()

	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
	if _, ok := c.GetBig(BalanceKey("ethereum", "0xA", "0xB")); ok {
		t.Fatal("expected miss after invalidation")
	}
}
