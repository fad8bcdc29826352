package integration_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/tlogplay/internal/auth"
	"pkt.systems/tlogplay/schema"
	"pkt.systems/tlogplay/sshserver"
)

// totpAnswers answers keyboard-interactive challenges with code and records
// what the server asked.
type totpAnswers struct {
	code    string
	prompts []string
	echoes  []bool
}

func (a *totpAnswers) method() ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(_, _ string, questions []string, echos []bool) ([]string, error) {
		a.prompts = append(a.prompts, questions...)
		a.echoes = append(a.echoes, echos...)
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = a.code
		}
		return answers, nil
	})
}

func TestSSHAuthentication(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	primary, secondary, stranger, foreign := newTestSigner(t), newTestSigner(t), newTestSigner(t), newTestSigner(t)
	addPubKey(t, ts, schema.UserID(ts.user), primary)
	addPubKey(t, ts, schema.UserID(ts.user), secondary)
	if err := ts.authStore.AddUser(auth.User{Username: "other", PasswordHash: "hash", TOTPSecret: "secret"}); err != nil {
		t.Fatalf("add other user: %v", err)
	}
	addPubKey(t, ts, "other", foreign)

	addr, stop := startSSHServer(t, ts)
	defer stop()

	code, err := totp.GenerateCode(ts.totp, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	cases := []struct {
		name         string
		user         string
		key          ssh.Signer
		code         string
		skipTOTP     bool
		wantOK       bool
		wantPrompted bool
	}{
		{name: "pubkey without totp", user: ts.user, key: primary, skipTOTP: true},
		{name: "wrong totp", user: ts.user, key: primary, code: "000000", wantPrompted: true},
		{name: "pubkey and totp", user: ts.user, key: primary, code: code, wantOK: true, wantPrompted: true},
		{name: "secondary pubkey", user: ts.user, key: secondary, code: code, wantOK: true, wantPrompted: true},
		{name: "unregistered pubkey", user: ts.user, key: stranger, code: code},
		{name: "unknown user", user: "unknown", key: primary, code: code},
		{name: "key of another user", user: ts.user, key: foreign, code: code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			answers := &totpAnswers{code: tc.code}
			methods := []ssh.AuthMethod{ssh.PublicKeys(tc.key)}
			if !tc.skipTOTP {
				methods = append(methods, answers.method())
			}
			client, err := sshDial(addr, tc.user, methods)
			if client != nil {
				_ = client.Close()
			}
			if (err == nil) != tc.wantOK {
				t.Fatalf("dial error %v, want success %v", err, tc.wantOK)
			}
			if prompted := len(answers.prompts) > 0; prompted != tc.wantPrompted {
				t.Fatalf("prompted %v, want %v", prompted, tc.wantPrompted)
			}
			if tc.wantOK && (answers.prompts[0] != "Verification code: " || answers.echoes[0]) {
				t.Fatalf("unexpected prompt %q echo %v", answers.prompts[0], answers.echoes[0])
			}
		})
	}
}

func addPubKey(t *testing.T, ts *testServer, userID schema.UserID, signer ssh.Signer) {
	t.Helper()
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if _, err := ts.authStore.AddLoginPubKey(userID, line); err != nil {
		t.Fatalf("add login pubkey for %s: %v", userID, err)
	}
}

func startSSHServer(t *testing.T, ts *testServer) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &sshserver.Server{
		Addr:        ln.Addr().String(),
		Listener:    ln,
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		Service:     ts.service,
		AuthStore:   ts.authStore,
		EventBus:    ts.bus,
	}
	go func() { _ = server.ListenAndServe(ctx) }()
	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

func sshDial(addr, user string, methods []ssh.AuthMethod) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}
