package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/internal/eventbus"
	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/schema"
)

// Server exposes the recordings viewer over SSH. Logins need a registered
// public key followed by a TOTP code.
type Server struct {
	Addr        string
	HostKeyPath string
	IdleTimeout time.Duration
	Listener    net.Listener
	Service     core.Service
	AuthStore   LoginAuthStore
	EventBus    *eventbus.Bus
	logger      pslog.Logger
}

// LoginAuthStore validates SSH login credentials.
type LoginAuthStore interface {
	HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error)
	ValidateTOTP(username string, totpCode string) error
}

type authContextKey struct{}

const (
	totpPrompt      = "Verification code: "
	shutdownTimeout = 5 * time.Second
)

// ListenAndServe serves until ctx is canceled, then waits briefly for open
// sessions to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Service == nil {
		return errors.New("service is required for SSH")
	}
	if s.AuthStore == nil {
		return errors.New("auth store is required for SSH")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	signer, err := EnsureHostKey(s.HostKeyPath, s.logger)
	if err != nil {
		return err
	}
	server := &gliderssh.Server{
		Addr:                       s.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
		IdleTimeout:                s.IdleTimeout,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh server listening", "addr", s.Addr, "idle_timeout", s.IdleTimeout)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ssh server shutdown forced", "err", err)
			_ = server.Close()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// connLogger tags log lines with the login user, peer and SSH session.
func (s *Server) connLogger(ctx gliderssh.Context) pslog.Logger {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("user", ctx.User())
	if addr := ctx.RemoteAddr(); addr != nil {
		log = log.With("remote", addr.String())
	}
	if id := ctx.SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	return log
}

// handlePublicKey never completes the login by itself. A known key is
// remembered and the login continues with the TOTP challenge.
func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.connLogger(ctx).With("fingerprint", ssh.FingerprintSHA256(key))
	if ctx.User() == "" {
		log.Warn("ssh pubkey rejected", "reason", "missing user")
		return false
	}
	ok, err := s.AuthStore.HasLoginPubKey(schema.UserID(ctx.User()), key)
	switch {
	case err != nil:
		log.Warn("ssh pubkey rejected", "err", err)
	case !ok:
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
	default:
		ctx.SetValue(authContextKey{}, true)
		log.Info("ssh pubkey accepted")
	}
	return false
}

func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	if ok, _ := ctx.Value(authContextKey{}).(bool); !ok {
		return false
	}
	log := s.connLogger(ctx)
	answers, err := challenger(ctx.User(), "", []string{totpPrompt}, []bool{false})
	if err != nil || len(answers) != 1 {
		log.Warn("ssh totp rejected", "reason", "challenge failed", "answers", len(answers), "err", err)
		return false
	}
	if err := s.AuthStore.ValidateTOTP(ctx.User(), answers[0]); err != nil {
		log.Warn("ssh totp rejected", "reason", "invalid code", "err", err)
		return false
	}
	log.Info("ssh totp accepted")
	return true
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.connLogger(sess.Context())
	userID := schema.UserID(sess.User())
	if userID == "" {
		reject(sess, log, "missing user")
		return
	}
	pty, winCh, ok := sess.Pty()
	if !ok {
		reject(sess, log, "pty required")
		return
	}
	ctx := logx.ContextWithUserLogger(sess.Context(), log, userID)
	args := sess.Command()
	log.Info("ssh session opened", "term", pty.Term, "command", args, "width", pty.Window.Width, "height", pty.Window.Height)

	v := newViewer(sess, s.Service, s.EventBus, userID, winCh)
	v.SetSize(pty.Window.Width, pty.Window.Height)
	if err := v.Run(ctx, args); err != nil {
		log.Info("ssh session failed", "err", err)
		_, _ = fmt.Fprintf(sess, "%v\r\n", err)
		_ = sess.Exit(1)
		return
	}
	log.Info("ssh session closed")
	_ = sess.Exit(0)
}

func reject(sess gliderssh.Session, log pslog.Logger, reason string) {
	log.Info("ssh session rejected", "reason", reason)
	_, _ = io.WriteString(sess, reason+"\n")
	_ = sess.Exit(1)
}
