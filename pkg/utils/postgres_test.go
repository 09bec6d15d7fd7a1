package utils

import (
	"context"
	"testing"
	"time"
)

func TestPostgresOptionsNormalized(t *testing.T) {
	o := PostgresOptions{MaxConns: 1}.normalized()
	if o.MaxConns != 1 || o.IdleConns != 1 {
		t.Fatalf("idle conns must not exceed max conns, got %+v", o)
	}

	o = PostgresOptions{}.normalized()
	if o.MaxConns != 4 || o.IdleConns != 2 || o.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "", PostgresOptions{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
