package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/store/memstore"
)

func TestNewTokenRetriesOnCollision(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	existing := store.ConsoleToken{Token: "collide", SessionID: "sess-1", Source: "src", UUID: "uuid-1",
		Created: time.Now().Unix(), Expires: time.Now().Add(time.Hour).Unix()}
	if err := s.AddToken(ctx, existing); err != nil {
		t.Fatalf("seed AddToken: %v", err)
	}

	tok, err := store.NewToken(ctx, s, "sess-2", "src", "uuid-2", time.Now().Unix(), time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if tok.Token == "collide" {
		t.Fatalf("NewToken returned a colliding token value")
	}
}

func TestAddTokenReusedToken(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tok := store.ConsoleToken{Token: "dup", SessionID: "sess", Source: "src", UUID: "uuid",
		Created: time.Now().Unix(), Expires: time.Now().Add(time.Hour).Unix()}
	if err := s.AddToken(ctx, tok); err != nil {
		t.Fatalf("first AddToken: %v", err)
	}
	err := s.AddToken(ctx, tok)
	if !errors.Is(err, store.ErrReusedToken) {
		t.Fatalf("expected ErrReusedToken, got %v", err)
	}
}

func TestGetTokenByTokenExpiryGated(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	expired := store.ConsoleToken{Token: "old", SessionID: "sess", Source: "src", UUID: "uuid",
		Created: time.Now().Add(-time.Hour).Unix(), Expires: time.Now().Add(-time.Minute).Unix()}
	if err := s.AddToken(ctx, expired); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	_, err := s.GetTokenByToken(ctx, "old")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}

	// GetTokenBySessionID must find it anyway - it is not expiry-gated.
	got, err := s.GetTokenBySessionID(ctx, "sess")
	if err != nil {
		t.Fatalf("GetTokenBySessionID: %v", err)
	}
	if got.Token != "old" {
		t.Fatalf("got token %q, want %q", got.Token, "old")
	}
}

func TestReapExpiredTokensKeepsLiveChannelSessions(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	expired := store.ConsoleToken{Token: "expired-live", SessionID: "sess-live", Source: "src", UUID: "uuid",
		Created: time.Now().Add(-time.Hour).Unix(), Expires: time.Now().Add(-time.Minute).Unix()}
	expiredDead := store.ConsoleToken{Token: "expired-dead", SessionID: "sess-dead", Source: "src", UUID: "uuid",
		Created: time.Now().Add(-time.Hour).Unix(), Expires: time.Now().Add(-time.Minute).Unix()}
	if err := s.AddToken(ctx, expired); err != nil {
		t.Fatalf("AddToken live: %v", err)
	}
	if err := s.AddToken(ctx, expiredDead); err != nil {
		t.Fatalf("AddToken dead: %v", err)
	}

	if err := s.RecordChannelInfo(ctx, store.ProxyChannel{Node: "n1", PID: 1, SessionID: "sess-live"}); err != nil {
		t.Fatalf("RecordChannelInfo: %v", err)
	}

	reaped, err := s.ReapExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredTokens: %v", err)
	}
	if len(reaped) != 1 || reaped[0].Token != "expired-dead" {
		t.Fatalf("reaped = %+v, want only expired-dead", reaped)
	}

	if _, err := s.GetTokenBySessionID(ctx, "sess-live"); err != nil {
		t.Fatalf("sess-live token should survive reaping: %v", err)
	}
}

func TestRecordChannelInfoIncrementalUpdate(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	if err := s.RecordChannelInfo(ctx, store.ProxyChannel{Node: "n1", PID: 7, ChannelType: "main"}); err != nil {
		t.Fatalf("RecordChannelInfo #1: %v", err)
	}
	if err := s.RecordChannelInfo(ctx, store.ProxyChannel{Node: "n1", PID: 7, SessionID: "abc"}); err != nil {
		t.Fatalf("RecordChannelInfo #2: %v", err)
	}

	channels, err := s.GetNodeChannels(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNodeChannels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(channels))
	}
	if channels[0].ChannelType != "main" || channels[0].SessionID != "abc" {
		t.Fatalf("channel = %+v, want merged fields", channels[0])
	}
}
