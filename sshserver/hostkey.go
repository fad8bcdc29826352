package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"
)

// EnsureHostKey loads the host key at path, generating an ed25519 key on
// first use. The public half is kept next to it as path+".pub" so operators
// can pin it in known_hosts.
func EnsureHostKey(path string, logger pslog.Logger) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ssh host key path is required")
	}
	signer, err := loadHostKey(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		if signer, err = generateHostKey(path); err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Info("ssh host key generated", "path", path, "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
		}
	default:
		return nil, err
	}
	if _, statErr := os.Stat(path + ".pub"); errors.Is(statErr, os.ErrNotExist) {
		if err := writePublicKey(path+".pub", signer.PublicKey()); err != nil && logger != nil {
			logger.Warn("ssh host public key write failed", "path", path+".pub", "err", err)
		}
	}
	return signer, nil
}

// HostKeyFingerprint returns the SHA256 fingerprint of the host key at path.
func HostKeyFingerprint(path string) (string, error) {
	signer, err := loadHostKey(path)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

func generateHostKey(path string) (ssh.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "tlogplay host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	if err := writeExclusive(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func writePublicKey(path string, key ssh.PublicKey) error {
	return writeExclusive(path, ssh.MarshalAuthorizedKey(key), 0o644)
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
