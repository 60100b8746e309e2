package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(rdb, "tm", time.Minute), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testRecord() *Record {
	return &Record{
		UserID:       "u-1",
		Email:        "a@b.com",
		Username:     "alice",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		SavedAt:      time.Now().Unix(),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testRecord()
	in.AccessToken = strings.Repeat("x", 2048)
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestDecodeRejectsTrailingBytesAndUnknownVersion(t *testing.T) {
	data, _ := Encode(testRecord())
	if _, err := Decode(append(bytes.Clone(data), 0)); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected trailing bytes rejected, got %v", err)
	}
	bad := bytes.Clone(data)
	bad[0] = 9
	if _, err := Decode(bad); err == nil {
		t.Fatal("expected unknown version rejected")
	}
}

func TestRedisStoreSaveLoadDelete(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("tm:session") {
		t.Fatal("expected tm:session key")
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UserID != "u-1" || got.RefreshToken != "refresh" {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisStoreCodeVerifierIsSingleUse(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	if err := store.SaveCodeVerifier(ctx, "verifier/PASSWORD_RECOVERY"); err != nil {
		t.Fatalf("save verifier: %v", err)
	}
	if ttl := mr.TTL("tm:code-verifier"); ttl != time.Minute {
		t.Fatalf("expected verifier ttl 1m, got %v", ttl)
	}
	v, err := store.TakeCodeVerifier(ctx)
	if err != nil || v != "verifier/PASSWORD_RECOVERY" {
		t.Fatalf("take verifier: %q %v", v, err)
	}
	v, err = store.TakeCodeVerifier(ctx)
	if err != nil || v != "" {
		t.Fatalf("expected verifier consumed, got %q %v", v, err)
	}
}

func TestRedisStoreCorruptBlob(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	if err := mr.Set("tm:session", "bad"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected corrupt blob error")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = m.Save(ctx, testRecord())
	if r, err := m.Load(ctx); err != nil || r.Email != "a@b.com" {
		t.Fatalf("load: %+v %v", r, err)
	}
	_ = m.SaveCodeVerifier(ctx, "v")
	if v, _ := m.TakeCodeVerifier(ctx); v != "v" {
		t.Fatalf("unexpected verifier %q", v)
	}
	if v, _ := m.TakeCodeVerifier(ctx); v != "" {
		t.Fatal("verifier must be single use")
	}
	_ = m.Delete(ctx)
	if _, err := m.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected record deleted")
	}
}
