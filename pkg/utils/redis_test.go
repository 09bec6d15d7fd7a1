package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize != 4 {
		t.Fatalf("expected pool size 4, got %d", c.PoolSize)
	}
	if c.PingTimeout != 2*time.Second {
		t.Fatalf("expected 2s ping timeout, got %s", c.PingTimeout)
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
