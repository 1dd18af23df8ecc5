package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kagehq/keys-sub000/pkg/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIssueThenVerify(t *testing.T) {
	t.Setenv("BROKER_SIGNING_SECRET", "cli-secret")
	t.Setenv("REDIS_ADDR", "")

	out, err := execute(t, "issue", "--agent", "agent-1", "--scope", "openai:chat.create", "--ttl", "10m")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	raw := strings.TrimSpace(out)
	if strings.Count(raw, ".") != 2 {
		t.Fatalf("expected compact token, got %q", raw)
	}

	out, err = execute(t, "verify", raw)
	if err != nil {
		t.Fatalf("verify: %v (%s)", err, out)
	}
	var report struct {
		Valid  bool `json:"valid"`
		Claims struct {
			Subject  string `json:"sub"`
			Audience string `json:"aud"`
			Scope    string `json:"scope"`
		} `json:"claims"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Valid || report.Claims.Subject != "agent-1" || report.Claims.Audience != "openai" || report.Claims.Scope != "openai:chat.create" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("BROKER_SIGNING_SECRET", "one")
	out, err := execute(t, "issue", "--agent", "a", "--scope", "github:repos.read")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	t.Setenv("BROKER_SIGNING_SECRET", "two")
	out, err = execute(t, "verify", strings.TrimSpace(out))
	if !errors.Is(err, errInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if !strings.Contains(out, `"reason": "bad-signature"`) {
		t.Fatalf("expected bad-signature reason, got %s", out)
	}
}

func TestIssueValidation(t *testing.T) {
	t.Setenv("BROKER_SIGNING_SECRET", "s")
	t.Setenv("REDIS_ADDR", "")
	if _, err := execute(t, "issue", "--scope", "openai:chat.create"); err == nil {
		t.Fatal("expected missing agent error")
	}
	if _, err := execute(t, "issue", "--agent", "a", "--scope", "not a scope"); err == nil {
		t.Fatal("expected scope parse error")
	}

	t.Setenv("BROKER_SIGNING_SECRET", "")
	if _, err := execute(t, "issue", "--agent", "a", "--scope", "openai:chat.create"); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestRevokeThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("BROKER_SIGNING_SECRET", "shared")
	t.Setenv("REDIS_ADDR", mr.Addr())

	out, err := execute(t, "issue", "--agent", "a", "--scope", "stripe:charges.create")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	raw := strings.TrimSpace(out)
	out, err = execute(t, "verify", raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	var report struct {
		Claims struct {
			ID string `json:"jti"`
		} `json:"claims"`
	}
	_ = json.Unmarshal([]byte(out), &report)

	if _, err := execute(t, "revoke", report.Claims.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, err = execute(t, "verify", raw)
	if !errors.Is(err, errInvalidCredential) || !strings.Contains(out, "revoked") {
		t.Fatalf("expected revoked, got %v %s", err, out)
	}
}

func TestRevokeRequiresRedis(t *testing.T) {
	t.Setenv("BROKER_SIGNING_SECRET", "shared")
	t.Setenv("REDIS_ADDR", "")
	if _, err := execute(t, "revoke", "jti-1"); err == nil {
		t.Fatal("expected REDIS_ADDR error")
	}
}

func TestScopeCheck(t *testing.T) {
	out, err := execute(t, "scope-check", "github:*.read", "github:repos.read")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Fatalf("expected cover, got %q %v", out, err)
	}
	if _, err := execute(t, "scope-check", "github:*.read", "github:repos.write"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestCommandsCloseRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("BROKER_SIGNING_SECRET", "shared")
	t.Setenv("REDIS_ADDR", mr.Addr())

	var opened []*redis.Client
	prev := openRedisFn
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		c, err := store.NewRedis(ctx)
		if err == nil {
			opened = append(opened, c)
		}
		return c, err
	}
	t.Cleanup(func() { openRedisFn = prev })

	out, err := execute(t, "issue", "--agent", "a", "--scope", "openai:chat.create")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := execute(t, "verify", strings.TrimSpace(out)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := execute(t, "revoke", "jti-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(opened) != 3 {
		t.Fatalf("expected one client per command, got %d", len(opened))
	}
	for i, c := range opened {
		if err := c.Ping(context.Background()).Err(); !errors.Is(err, redis.ErrClosed) {
			t.Fatalf("client %d still open: %v", i, err)
		}
	}
}
