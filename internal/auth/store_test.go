package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/schema"
)

func TestStoreRejectsInvalidUsername(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	store, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.AddUser(User{
		Username:     "Alice",
		PasswordHash: "hash",
		TOTPSecret:   "secret",
	}); err == nil {
		t.Fatalf("expected invalid username error")
	}
}

func TestStoreRejectsInvalidSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	_, err := NewStoreWithLogger(path, []appconfig.SeedUser{
		{
			Username:     "BadUser",
			PasswordHash: "hash",
			TOTPSecret:   "secret",
		},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for invalid seed user")
	}
}

func TestStoreLoginPubKeysCRUD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	store, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AddUser(User{
		Username:     "alice",
		PasswordHash: "hash",
		TOTPSecret:   "secret",
	}); err != nil {
		t.Fatalf("add user: %v", err)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	pubKey := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))

	if _, err := store.AddLoginPubKey(schema.UserID("alice"), pubKey); err != nil {
		t.Fatalf("add login pubkey: %v", err)
	}
	keys, err := store.ListLoginPubKeys(schema.UserID("alice"))
	if err != nil {
		t.Fatalf("list login pubkeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 pubkey, got %d", len(keys))
	}

	ok, err := store.HasLoginPubKey(schema.UserID("alice"), signer.PublicKey())
	if err != nil {
		t.Fatalf("has login pubkey: %v", err)
	}
	if !ok {
		t.Fatalf("expected stored pubkey to match")
	}

	if err := store.RemoveLoginPubKey(schema.UserID("alice"), 1); err != nil {
		t.Fatalf("remove login pubkey: %v", err)
	}
	keys, err = store.ListLoginPubKeys(schema.UserID("alice"))
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no pubkeys after remove, got %d", len(keys))
	}
}

func TestStoreAllowList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewStoreWithLogger(path, []appconfig.SeedUser{
		{Username: "admin", PasswordHash: "hash", TOTPSecret: "secret", Allowed: []string{AllUsers}},
	}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AddUser(User{Username: "alice", PasswordHash: "hash", TOTPSecret: "secret"}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	cases := []struct {
		viewer   schema.UserID
		recorded string
		want     bool
	}{
		{"admin", "root", true},
		{"alice", "alice", true},
		{"alice", "bob", false},
		{"mallory", "bob", false},
		{"alice", "", false},
	}
	for _, tc := range cases {
		if got := store.CanView(tc.viewer, tc.recorded); got != tc.want {
			t.Fatalf("CanView(%s, %q) = %v, want %v", tc.viewer, tc.recorded, got, tc.want)
		}
	}

	if err := store.Allow("alice", "bob"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := store.Allow("alice", "bob"); err != nil {
		t.Fatalf("allow twice: %v", err)
	}
	if !store.CanView("alice", "bob") {
		t.Fatalf("expected alice to view bob")
	}
	reader, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	for _, user := range reader.LoadUsers() {
		if user.Username == "alice" && (len(user.Allowed) != 1 || user.Allowed[0] != "bob") {
			t.Fatalf("unexpected persisted allow list %v", user.Allowed)
		}
	}
	if err := store.Deny("alice", "bob"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if reader.CanView("alice", "bob") {
		t.Fatalf("expected deny to reach other store instances")
	}
	if err := store.Allow("nobody", "bob"); err == nil {
		t.Fatalf("expected unknown user error")
	}
	if err := store.Allow("alice", " "); err == nil {
		t.Fatalf("expected recorded user error")
	}
}

func TestStoreReloadsPasswordChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	writer, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	secret := "JBSWY3DPEHPK3PXP"
	if err := writer.AddUser(User{
		Username:     "alice",
		PasswordHash: mustHash(t, "old-pass"),
		TOTPSecret:   secret,
	}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	reader, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store reader: %v", err)
	}
	if err := reader.Authenticate("alice", "old-pass", mustTOTP(t, secret)); err != nil {
		t.Fatalf("authenticate old password: %v", err)
	}
	if err := writer.UpdatePassword("alice", mustHash(t, "new-pass")); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if err := reader.Authenticate("alice", "new-pass", mustTOTP(t, secret)); err != nil {
		t.Fatalf("authenticate new password: %v", err)
	}
	if err := reader.Authenticate("alice", "old-pass", mustTOTP(t, secret)); err == nil {
		t.Fatalf("expected old password to fail after refresh")
	}
}

func TestStoreReloadsUserAddDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	writer, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reader, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store reader: %v", err)
	}
	secret := "JBSWY3DPEHPK3PXP"
	if err := writer.AddUser(User{
		Username:     "bob",
		PasswordHash: mustHash(t, "pass"),
		TOTPSecret:   secret,
	}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := reader.Authenticate("bob", "pass", mustTOTP(t, secret)); err != nil {
		t.Fatalf("authenticate new user: %v", err)
	}
	if err := writer.DeleteUser("bob"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := reader.Authenticate("bob", "pass", mustTOTP(t, secret)); err == nil {
		t.Fatalf("expected deleted user login to fail")
	}
}

func TestStoreReloadsTOTPChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	writer, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	secretA := "JBSWY3DPEHPK3PXP"
	if err := writer.AddUser(User{
		Username:     "alice",
		PasswordHash: mustHash(t, "pass"),
		TOTPSecret:   secretA,
	}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	reader, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store reader: %v", err)
	}
	if err := reader.Authenticate("alice", "pass", mustTOTP(t, secretA)); err != nil {
		t.Fatalf("authenticate with original totp: %v", err)
	}
	secretB := "KRSXG5DSNFXGOIDB"
	if err := writer.UpdateTOTP("alice", secretB); err != nil {
		t.Fatalf("update totp: %v", err)
	}
	if err := reader.ValidateTOTP("alice", mustTOTP(t, secretB)); err != nil {
		t.Fatalf("validate rotated totp: %v", err)
	}
	if err := reader.ValidateTOTP("alice", mustTOTP(t, secretA)); err == nil {
		t.Fatalf("expected old totp to fail after refresh")
	}
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func mustTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp: %v", err)
	}
	return code
}

func TestStoreAllowPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewStoreWithLogger(path, []appconfig.SeedUser{
		{Username: "ops", PasswordHash: "hash", TOTPSecret: "secret", Allowed: []string{"svc-*"}},
	}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if !store.CanView("ops", "svc-web") || store.CanView("ops", "root") {
		t.Fatalf("unexpected pattern match")
	}
	if store.CanView("ops", AllUsers) {
		t.Fatalf("a pattern must not grant the admin scope")
	}
	if err := store.Allow("ops", "[bad"); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestStoreReadsLegacyArrayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	legacy := `[{"username":"alice","password_hash":"` + mustHash(t, "pass") + `","totp_secret":"JBSWY3DPEHPK3PXP"}]`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	store, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Authenticate("alice", "pass", mustTOTP(t, "JBSWY3DPEHPK3PXP")); err != nil {
		t.Fatalf("authenticate legacy user: %v", err)
	}
	if err := store.Allow("alice", "bob"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"version": 1`) {
		t.Fatalf("expected rewrite in the versioned format, got %s", data)
	}
}

func TestStoreAuthenticateErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewStoreWithLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AddUser(User{Username: "alice", PasswordHash: mustHash(t, "pass"), TOTPSecret: "JBSWY3DPEHPK3PXP"}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := store.AddUser(User{Username: "alice"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if err := store.Authenticate("nobody", "pass", "000000"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if err := store.Authenticate("alice", "wrong", "000000"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad password, got %v", err)
	}
	if err := store.Authenticate("alice", "pass", "000000"); !errors.Is(err, ErrInvalidTOTP) && err != nil {
		t.Fatalf("expected ErrInvalidTOTP, got %v", err)
	}
	if err := store.DeleteUser("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
