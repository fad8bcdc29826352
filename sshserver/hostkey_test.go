package sshserver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestEnsureHostKeyGeneratesOnceAndWritesPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")
	first, err := EnsureHostKey(path, nil)
	if err != nil {
		t.Fatalf("ensure host key: %v", err)
	}
	second, err := EnsureHostKey(path, nil)
	if err != nil {
		t.Fatalf("reload host key: %v", err)
	}
	want := ssh.FingerprintSHA256(first.PublicKey())
	if got := ssh.FingerprintSHA256(second.PublicKey()); got != want {
		t.Fatalf("host key changed between runs: %s != %s", got, want)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected private key mode: %v %v", info, err)
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil || ssh.FingerprintSHA256(parsed) != want {
		t.Fatalf("public key does not match: %v", err)
	}
	if fp, err := HostKeyFingerprint(path); err != nil || fp != want {
		t.Fatalf("fingerprint %q %v, want %q", fp, err, want)
	}
}

func TestEnsureHostKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := EnsureHostKey(path, nil); err == nil || !strings.Contains(err.Error(), "parse host key") {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := EnsureHostKey(" ", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
