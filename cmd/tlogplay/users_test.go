package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/auth"
	"pkt.systems/tlogplay/schema"
)

type usersFixture struct {
	cfgPath  string
	userFile string
}

func newUsersFixture(t *testing.T) usersFixture {
	t.Helper()
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	dir := t.TempDir()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.Archive.KeyStorePath = filepath.Join(dir, "archive.bundle")
	cfg.Auth.UserFile = filepath.Join(dir, "users.json")
	path := filepath.Join(dir, "config.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return usersFixture{cfgPath: path, userFile: cfg.Auth.UserFile}
}

// run executes `users -c <cfg> args...` and returns stdout.
func (f usersFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newUsersCmd()
	cmd.SetArgs(append([]string{"-c", f.cfgPath}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func (f usersFixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := f.run(t, args...)
	if err != nil {
		t.Fatalf("users %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func (f usersFixture) store(t *testing.T) *auth.Store {
	t.Helper()
	store, err := auth.NewStoreWithLogger(f.userFile, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func (f usersFixture) user(t *testing.T, username string) auth.User {
	t.Helper()
	for _, user := range f.store(t).LoadUsers() {
		if user.Username == username {
			return user
		}
	}
	t.Fatalf("user %s not found", username)
	return auth.User{}
}

func TestUsersAddRejectsInvalidUsername(t *testing.T) {
	f := newUsersFixture(t)
	if _, err := f.run(t, "add", "BadUser", "--auto-password"); err == nil {
		t.Fatalf("expected error for invalid username")
	}
}

func TestUsersAddPrintsEnrollmentAndDelete(t *testing.T) {
	f := newUsersFixture(t)
	out := f.mustRun(t, "add", "alice.dev", "--auto-password")
	for _, want := range []string{"username: alice.dev", "password: ", "totp_secret: ", "otpauth_url: otpauth://totp/"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if user := f.user(t, "alice.dev"); user.PasswordHash == "" || user.TOTPSecret == "" {
		t.Fatalf("expected credentials, got %+v", user)
	}

	f.mustRun(t, "delete", "alice.dev")
	for _, user := range f.store(t).LoadUsers() {
		if user.Username == "alice.dev" {
			t.Fatalf("expected alice.dev to be removed")
		}
	}
}

func TestUsersPasswordFlagsAreExclusive(t *testing.T) {
	f := newUsersFixture(t)
	if _, err := f.run(t, "add", "dave", "--auto-password", "--password-from-stdin"); err == nil {
		t.Fatalf("expected conflicting password flags to fail")
	}
}

func TestUsersRotateTOTP(t *testing.T) {
	f := newUsersFixture(t)
	f.mustRun(t, "add", "bob", "--auto-password")
	before := f.user(t, "bob").TOTPSecret

	f.mustRun(t, "rotate-totp", "bob")
	if after := f.user(t, "bob").TOTPSecret; after == before || after == "" {
		t.Fatalf("expected TOTP secret to change")
	}
}

func TestUsersChpasswd(t *testing.T) {
	f := newUsersFixture(t)
	f.mustRun(t, "add", "carol", "--auto-password")
	before := f.user(t, "carol").PasswordHash

	out := f.mustRun(t, "chpasswd", "carol", "--auto-password")
	if after := f.user(t, "carol").PasswordHash; after == before {
		t.Fatalf("expected password hash to change")
	}
	if strings.Contains(out, "totp_secret") {
		t.Fatalf("chpasswd must not print a TOTP secret:\n%s", out)
	}
}

func TestUsersAllowDeny(t *testing.T) {
	f := newUsersFixture(t)
	f.mustRun(t, "add", "erin", "--auto-password", "--allow", "alice")
	f.mustRun(t, "allow", "erin", "bob", "svc-*")
	f.mustRun(t, "deny", "erin", "alice")
	if _, err := f.run(t, "allow", "erin", "[bad"); err == nil {
		t.Fatalf("expected malformed pattern to be rejected")
	}

	store := f.store(t)
	if store.CanView("erin", "alice") {
		t.Fatalf("expected alice to be denied")
	}
	if !store.CanView("erin", "bob") || !store.CanView("erin", "svc-backup") {
		t.Fatalf("expected bob and svc-* to be allowed")
	}
	if !store.CanView("erin", "erin") {
		t.Fatalf("expected own recordings to be visible")
	}
	if out := f.mustRun(t, "list"); !strings.Contains(out, "erin\tallowed: bob,svc-*") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
}

func TestUsersLoginPubKeys(t *testing.T) {
	f := newUsersFixture(t)
	f.mustRun(t, "add", "frank", "--auto-password")

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh key: %v", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	if out := f.mustRun(t, "add-login-pubkey", "frank", authorized); !strings.Contains(out, "id 1") {
		t.Fatalf("unexpected add output: %s", out)
	}
	if out := f.mustRun(t, "list-login-pubkeys", "frank"); !strings.Contains(out, "1) ssh-ed25519 ") {
		t.Fatalf("unexpected list output: %s", out)
	}
	if _, err := f.run(t, "rm-login-pubkey", "frank", "zero"); err == nil {
		t.Fatalf("expected invalid id to fail")
	}
	f.mustRun(t, "rm-login-pubkey", "frank", "1")
	keys, err := f.store(t).ListLoginPubKeys(schema.UserID("frank"))
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}
