package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestCodec(t *testing.T) (*HMACCodec, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testNow)
	c, err := NewHMAC(Options{Issuer: "test-broker", Clock: clk})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c, clk
}

func sampleClaims() Claims {
	return Claims{
		Subject:   "agent-7",
		Audience:  "openai",
		Scope:     "openai:chat.create",
		NotBefore: testNow,
		ExpiresAt: testNow.Add(time.Hour),
		ID:        "cred-1",
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c, _ := newTestCodec(t)
	in := sampleClaims()
	raw, err := c.Issue(in)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Count(raw, ".") != 2 {
		t.Fatalf("expected three segments, got %q", raw)
	}
	out := c.Verify(context.Background(), raw)
	if !out.Valid {
		t.Fatalf("expected valid credential, got reason %q", out.Reason)
	}
	want := in
	want.Issuer = "test-broker"
	want.KeyID = c.KeyID()
	if !sameClaims(out.Claims, want) {
		t.Fatalf("claims mismatch:\n got %+v\nwant %+v", out.Claims, want)
	}
	if out.Err() != nil {
		t.Fatalf("expected nil error for valid outcome, got %v", out.Err())
	}
}

func TestIssueFillsDefaults(t *testing.T) {
	c, _ := newTestCodec(t)
	raw, err := c.Issue(Claims{Subject: "a", Audience: "github", Scope: "github:repos.read"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	out := c.Verify(context.Background(), raw)
	if !out.Valid {
		t.Fatalf("expected valid, got %q", out.Reason)
	}
	if out.Claims.ID == "" {
		t.Fatal("expected generated jti")
	}
	if !out.Claims.NotBefore.Equal(testNow) || !out.Claims.ExpiresAt.Equal(testNow.Add(defaultCredential)) {
		t.Fatalf("unexpected default window: %v - %v", out.Claims.NotBefore, out.Claims.ExpiresAt)
	}
}

func TestIssueClaimsReportsSignedClaims(t *testing.T) {
	c, _ := newTestCodec(t)
	in := Claims{Subject: "a", Audience: "github", Scope: "github:repos.read", NotBefore: testNow.Add(300 * time.Millisecond)}
	raw, signed, err := c.IssueClaims(in)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if signed.ID == "" || signed.Issuer != "test-broker" || signed.KeyID != c.KeyID() {
		t.Fatalf("expected filled jti, iss and kid, got %+v", signed)
	}
	out := c.Verify(context.Background(), raw)
	if !out.Valid || out.Claims != signed {
		t.Fatalf("signed claims %+v differ from verified %+v", signed, out.Claims)
	}
}

func TestIssueRejectsInvertedWindow(t *testing.T) {
	c, _ := newTestCodec(t)
	in := sampleClaims()
	in.ExpiresAt = in.NotBefore
	if _, err := c.Issue(in); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected ErrInvalidClaims, got %v", err)
	}
}

func TestVerifyReasons(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed_segments", func(t *testing.T) {
		c, _ := newTestCodec(t)
		for _, raw := range []string{"", "abc", "a.b", "a.b.c.d", "!!.??.**"} {
			if out := c.Verify(ctx, raw); out.Reason != ReasonMalformed {
				t.Fatalf("expected malformed for %q, got %+v", raw, out)
			}
		}
	})

	t.Run("bad_signature", func(t *testing.T) {
		c, _ := newTestCodec(t)
		raw, _ := c.Issue(sampleClaims())
		parts := strings.Split(raw, ".")
		parts[2] = base64.RawURLEncoding.EncodeToString([]byte("not-the-real-signature-at-all!!"))
		if out := c.Verify(ctx, strings.Join(parts, ".")); out.Reason != ReasonBadSignature {
			t.Fatalf("expected bad-signature, got %+v", out)
		}
	})

	t.Run("foreign_key", func(t *testing.T) {
		c, _ := newTestCodec(t)
		other, _ := newTestCodec(t)
		raw, _ := other.Issue(sampleClaims())
		if out := c.Verify(ctx, raw); out.Reason != ReasonBadSignature {
			t.Fatalf("expected bad-signature for foreign key, got %+v", out)
		}
	})

	t.Run("alg_none", func(t *testing.T) {
		c, _ := newTestCodec(t)
		token := jwt.NewWithClaims(jwt.SigningMethodNone, fromClaims(sampleClaims()))
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign none: %v", err)
		}
		if out := c.Verify(ctx, raw); out.Valid {
			t.Fatal("unsigned credential must not verify")
		}
	})

	t.Run("expired", func(t *testing.T) {
		c, clk := newTestCodec(t)
		raw, _ := c.Issue(sampleClaims())
		clk.Advance(time.Hour + time.Second)
		out := c.Verify(ctx, raw)
		if out.Reason != ReasonExpired || !errors.Is(out.Err(), ErrExpired) {
			t.Fatalf("expected expired, got %+v", out)
		}
	})

	t.Run("expiry_boundary_inclusive", func(t *testing.T) {
		c, clk := newTestCodec(t)
		raw, _ := c.Issue(sampleClaims())
		clk.Advance(time.Hour)
		if out := c.Verify(ctx, raw); !out.Valid {
			t.Fatalf("expected valid exactly at exp, got %+v", out)
		}
	})

	t.Run("not_yet_valid", func(t *testing.T) {
		c, _ := newTestCodec(t)
		in := sampleClaims()
		in.NotBefore = testNow.Add(time.Minute)
		in.ExpiresAt = testNow.Add(time.Hour)
		raw, _ := c.Issue(in)
		if out := c.Verify(ctx, raw); out.Reason != ReasonNotYetValid {
			t.Fatalf("expected not-yet-valid, got %+v", out)
		}
	})

	t.Run("missing_claim", func(t *testing.T) {
		c, _ := newTestCodec(t)
		in := sampleClaims()
		in.Subject = ""
		raw, _ := c.Issue(in)
		out := c.Verify(ctx, raw)
		if out.Reason != ReasonMissingClaim || !errors.Is(out.Err(), ErrMissingClaim) {
			t.Fatalf("expected missing-claim, got %+v", out)
		}
	})
}

func TestRevokeWinsOverExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCodec(t)
	raw, _ := c.Issue(sampleClaims())
	if err := c.Revoke(ctx, "cred-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := c.Revoke(ctx, "cred-1"); err != nil {
		t.Fatalf("second revoke should be idempotent: %v", err)
	}
	if out := c.Verify(ctx, raw); out.Reason != ReasonRevoked {
		t.Fatalf("expected revoked, got %+v", out)
	}
	clk.Advance(48 * time.Hour)
	if out := c.Verify(ctx, raw); out.Reason != ReasonRevoked {
		t.Fatalf("revoked credential must never report %q", out.Reason)
	}
	if err := c.Revoke(ctx, "  "); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected error for empty id, got %v", err)
	}
}

func TestRotateKeyInvalidatesOldCredentials(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCodec(t)
	oldKID := c.KeyID()
	raw, _ := c.Issue(sampleClaims())
	newKID, err := c.RotateKey()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKID == oldKID || c.KeyID() != newKID {
		t.Fatalf("expected new key id, old=%s new=%s current=%s", oldKID, newKID, c.KeyID())
	}
	if out := c.Verify(ctx, raw); out.Reason != ReasonBadSignature {
		t.Fatalf("expected bad-signature after rotation, got %+v", out)
	}
	fresh, _ := c.Issue(sampleClaims())
	if out := c.Verify(ctx, fresh); !out.Valid {
		t.Fatalf("expected credential under new key to verify, got %+v", out)
	}
}

func TestConcurrentVerifyRevokeRotate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCodec(t)
	raw, _ := c.Issue(sampleClaims())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			out := c.Verify(ctx, raw)
			if out.Valid && out.Claims.ID != "cred-1" {
				t.Errorf("torn claims: %+v", out.Claims)
			}
		}()
		go func() {
			defer wg.Done()
			_ = c.Revoke(ctx, "other")
		}()
		go func() {
			defer wg.Done()
			_, _ = c.RotateKey()
		}()
	}
	wg.Wait()
}

func TestPinnedSecretSharedAcrossCodecs(t *testing.T) {
	clk := clock.Fake(testNow)
	opts := Options{Clock: clk, Secret: []byte("0123456789abcdef0123456789abcdef"), KeyID: "k1"}
	a, err := NewHMAC(opts)
	if err != nil {
		t.Fatalf("codec a: %v", err)
	}
	b, err := NewHMAC(opts)
	if err != nil {
		t.Fatalf("codec b: %v", err)
	}
	raw, _ := a.Issue(sampleClaims())
	if out := b.Verify(context.Background(), raw); !out.Valid {
		t.Fatalf("expected codec sharing the secret to verify, got %+v", out)
	}
	if _, err := NewHMAC(Options{Secret: []byte("x")}); err == nil {
		t.Fatal("expected error when key id is missing")
	}
}

func TestRedisRevocationsSharedBetweenCodecs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	clk := clock.Fake(testNow)
	secret := []byte("shared-secret-shared-secret-0000")
	server, _ := NewHMAC(Options{Clock: clk, Secret: secret, KeyID: "k1", Revocations: NewRedisRevocations(client)})
	cli, _ := NewHMAC(Options{Clock: clk, Secret: secret, KeyID: "k1", Revocations: NewRedisRevocations(client)})

	raw, _ := server.Issue(sampleClaims())
	if err := cli.Revoke(ctx, "cred-1"); err != nil {
		t.Fatalf("revoke via redis: %v", err)
	}
	if out := server.Verify(ctx, raw); out.Reason != ReasonRevoked {
		t.Fatalf("expected server to see revocation, got %+v", out)
	}
}

func TestRevocationLookupFailureFailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	clk := clock.Fake(testNow)
	c, _ := NewHMAC(Options{Clock: clk, Revocations: NewRedisRevocations(client)})
	raw, _ := c.Issue(sampleClaims())
	if out := c.Verify(context.Background(), raw); out.Reason != ReasonRevoked {
		t.Fatalf("expected revoked when the revocation store is unreachable, got %+v", out)
	}
}

func TestOutcomeErrUnknownReason(t *testing.T) {
	t.Parallel()
	if err := (Outcome{Reason: "weird"}).Err(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected unknown reasons to map to ErrMalformed, got %v", err)
	}
}

func sameClaims(a, b Claims) bool {
	return a.Issuer == b.Issuer && a.Subject == b.Subject && a.Audience == b.Audience &&
		a.Scope == b.Scope && a.ID == b.ID && a.KeyID == b.KeyID &&
		a.NotBefore.Equal(b.NotBefore) && a.ExpiresAt.Equal(b.ExpiresAt)
}
