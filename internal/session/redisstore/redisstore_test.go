package redisstore

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// These tests need a live server; set REDIS_TEST_ADDR to run them.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb, err := Connect(context.Background(), addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testPrefix(t *testing.T) string {
	return "questtest:" + t.Name() + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

type flowCtx struct {
	Step  string
	Stage int
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New[flowCtx](testClient(t), testPrefix(t), time.Minute)

	if _, ok, err := s.Get(ctx, 1); err != nil || ok {
		t.Fatalf("empty get: %v %v", ok, err)
	}
	if err := s.Save(ctx, 1, flowCtx{Step: "PLAYING", Stage: 4}); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, ok, err := s.Get(ctx, 1)
	if err != nil || !ok || c.Step != "PLAYING" || c.Stage != 4 {
		t.Fatalf("get: %+v %v %v", c, ok, err)
	}
	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, 1); ok {
		t.Fatal("context survived delete")
	}
}

func TestReservations(t *testing.T) {
	ctx := context.Background()
	r := NewReservations(testClient(t), testPrefix(t), time.Minute)

	if ok, err := r.Reserve(ctx, "x", 1); err != nil || !ok {
		t.Fatalf("first reserve: %v %v", ok, err)
	}
	if ok, _ := r.Reserve(ctx, "x", 2); ok {
		t.Fatal("second owner got a held name")
	}
	if ok, _ := r.Reserve(ctx, "x", 1); !ok {
		t.Fatal("owner refresh failed")
	}
	_ = r.Release(ctx, "x", 2)
	if ok, _ := r.Reserve(ctx, "x", 2); ok {
		t.Fatal("non-owner release freed the name")
	}
	_ = r.Release(ctx, "x", 1)
	if ok, _ := r.Reserve(ctx, "x", 2); !ok {
		t.Fatal("owner release did not free the name")
	}
}
