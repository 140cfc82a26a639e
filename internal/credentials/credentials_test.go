package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"listsync/backend"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

// =============================================================================
// Manager lookup order
// =============================================================================

func TestGetPrefersKeyring(t *testing.T) {
	kr := NewMockKeyring()
	m := NewManager(
		WithKeyring(kr),
		WithEnv(envOf(map[string]string{"LISTSYNC_OWNER_7_TOKEN": "from-env"})),
		WithStaticTokens(map[int64]string{7: "from-config"}),
	)
	ctx := context.Background()

	if err := m.Set(ctx, 7, "from-keyring"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	info, err := m.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.Source != SourceKeyring {
		t.Errorf("expected source keyring, got %s", info.Source)
	}
	if info.Token != "from-keyring" {
		t.Errorf("expected keyring token, got %q", info.Token)
	}
}

func TestGetFallsBackToEnvironment(t *testing.T) {
	m := NewManager(
		WithKeyring(NewMockKeyring()),
		WithEnv(envOf(map[string]string{"LISTSYNC_OWNER_7_TOKEN": "from-env"})),
		WithStaticTokens(map[int64]string{7: "from-config"}),
	)

	info, err := m.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.Source != SourceEnvironment || info.Token != "from-env" {
		t.Errorf("expected environment token, got %s/%q", info.Source, info.Token)
	}
}

func TestGetFallsBackToConfig(t *testing.T) {
	m := NewManager(
		WithKeyring(NewMockKeyring()),
		WithEnv(envOf(nil)),
		WithStaticTokens(map[int64]string{7: "from-config"}),
	)

	info, err := m.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.Source != SourceConfig || info.Token != "from-config" {
		t.Errorf("expected config token, got %s/%q", info.Source, info.Token)
	}
}

func TestGetNotFound(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envOf(nil)))

	info, err := m.Get(context.Background(), 9)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.Found {
		t.Error("expected Found=false")
	}
	if info.Source != SourceNone {
		t.Errorf("expected source none, got %s", info.Source)
	}
}

func TestSetRejectsEmptyToken(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))
	if err := m.Set(context.Background(), 1, "   "); err == nil {
		t.Error("expected error for blank token")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	kr := NewMockKeyring()
	m := NewManager(WithKeyring(kr), WithEnv(envOf(nil)))
	ctx := context.Background()

	_ = m.Set(ctx, 3, "tok")
	if err := m.Delete(ctx, 3); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := m.Delete(ctx, 3); err != nil {
		t.Errorf("expected second Delete to succeed, got %v", err)
	}
	if _, err := kr.Get(ServiceName, "owner-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// =============================================================================
// Resolver
// =============================================================================

func TestResolve(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envOf(map[string]string{"LISTSYNC_OWNER_5_TOKEN": "abc"})))

	cred, err := m.Resolve(context.Background(), 5)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cred.OwnerID != 5 || cred.Token != "abc" {
		t.Errorf("unexpected credential %+v", cred)
	}
}

func TestResolveMissingIsNoValidSession(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envOf(nil)))

	_, err := m.Resolve(context.Background(), 5)
	if !errors.Is(err, backend.ErrNoValidSession) {
		t.Fatalf("expected ErrNoValidSession, got %v", err)
	}
	if kind := backend.KindOf(err); kind != backend.KindSessionExpired {
		t.Errorf("expected kind session_expired, got %s", kind)
	}
}

func TestCredentialInfoJSONOmitsToken(t *testing.T) {
	info := &CredentialInfo{Source: SourceKeyring, OwnerID: 4, Token: "secret", Found: true}
	data, err := info.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("expected token to be excluded, got %s", data)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["source"] != "keyring" {
		t.Errorf("expected source keyring, got %v", decoded["source"])
	}
}

// =============================================================================
// CLI handler
// =============================================================================

func TestCLISetAndGet(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envOf(nil)))
	var stdout, stderr bytes.Buffer
	h := NewCLIHandler(m, strings.NewReader("tok-123\n"), &stdout, &stderr)
	ctx := context.Background()

	if err := h.Set(ctx, 12); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Token stored") {
		t.Errorf("expected confirmation, got %q", stdout.String())
	}

	stdout.Reset()
	if err := h.Get(ctx, 12, false); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	out := stdout.String()
	if strings.Contains(out, "tok-123") {
		t.Error("token must not be printed")
	}
	if !strings.Contains(out, "Source: keyring") {
		t.Errorf("expected source line, got %q", out)
	}
}

func TestCLIGetMissingSuggestsSet(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envOf(nil)))
	var stdout bytes.Buffer
	h := NewCLIHandler(m, strings.NewReader(""), &stdout, &stdout)

	if err := h.Get(context.Background(), 8, false); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "listsync credentials set 8") {
		t.Errorf("expected suggestion, got %q", stdout.String())
	}
}

type unavailableKeyring struct{}

func (unavailableKeyring) Set(string, string, string) error { return ErrKeyringNotAvailable }
func (unavailableKeyring) Get(string, string) (string, error) {
	return "", ErrKeyringNotAvailable
}
func (unavailableKeyring) Delete(string, string) error { return ErrKeyringNotAvailable }

func TestCLISetWithoutKeyringSuggestsEnv(t *testing.T) {
	m := NewManager(WithKeyring(unavailableKeyring{}), WithEnv(envOf(nil)))
	var stdout bytes.Buffer
	h := NewCLIHandler(m, strings.NewReader("tok\n"), &stdout, &stdout)

	err := h.Set(context.Background(), 2)
	if err == nil {
		t.Fatal("expected error when keyring is unavailable")
	}
	if !strings.Contains(err.Error(), "LISTSYNC_OWNER_2_TOKEN") {
		t.Errorf("expected env var hint, got %q", err.Error())
	}
}

func TestGetFallsThroughUnavailableKeyring(t *testing.T) {
	m := NewManager(WithKeyring(unavailableKeyring{}), WithEnv(envOf(map[string]string{"LISTSYNC_OWNER_2_TOKEN": "env"})))

	info, err := m.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.Source != SourceEnvironment {
		t.Errorf("expected environment source, got %s", info.Source)
	}
}

func TestMapKeyringErr(t *testing.T) {
	if mapKeyringErr(nil) != nil {
		t.Error("expected nil for nil")
	}
	if err := mapKeyringErr(errors.New("dbus: no session")); !errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("expected ErrKeyringNotAvailable, got %v", err)
	}
}
