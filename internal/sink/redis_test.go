package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	sets   map[string]any
	ttls   map[string]time.Duration
	hashes map[string][]any
	setErr error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: map[string]any{}, ttls: map[string]time.Duration{}, hashes: map[string][]any{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.sets[key] = value
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.hashes[key] = values
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSink_Write(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisSinkWithClient(fake, "dash:", time.Hour)

	snap := snapshot(3379919, "a.json", `[{"x":1}]`)
	snap.ExecutionID = "01HX"
	if err := s.Write(context.Background(), snap); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	v, ok := fake.sets["dash:3379919"]
	if !ok {
		t.Fatalf("keys = %v", fake.sets)
	}
	if string(v.([]byte)) != `[{"x":1}]` {
		t.Fatalf("value = %s", v)
	}
	if fake.ttls["dash:3379919"] != time.Hour || fake.ttls["dash:3379919:meta"] != time.Hour {
		t.Fatalf("ttls = %v", fake.ttls)
	}
	if len(fake.hashes["dash:3379919:meta"]) != 8 {
		t.Fatalf("meta = %v", fake.hashes)
	}

	if err := CloseAll(s); err != nil || !fake.closed {
		t.Fatalf("CloseAll() error = %v closed = %v", err, fake.closed)
	}
}

func TestRedisSink_DefaultPrefixNoTTL(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisSinkWithClient(fake, "", 0)
	if err := s.Write(context.Background(), snapshot(7, "a.json", `[]`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, ok := fake.sets["dune:7"]; !ok {
		t.Fatalf("keys = %v", fake.sets)
	}
	if _, ok := fake.ttls["dune:7:meta"]; ok {
		t.Fatal("meta should not expire when ttl is 0")
	}
}

func TestRedisSink_SetError(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("READONLY")
	s := newRedisSinkWithClient(fake, "", 0)
	if err := s.Write(context.Background(), snapshot(7, "a.json", `[]`)); err == nil {
		t.Fatal("expected error")
	}
}
