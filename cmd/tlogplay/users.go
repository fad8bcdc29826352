package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/auth"
	"pkt.systems/tlogplay/schema"
)

const totpIssuer = "tlogplay"

func newUsersCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage viewer accounts",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(
		userCmd(&cfgPath, "list", "List viewers and their allow lists", cobra.NoArgs, listUsers),
		newUsersAddCmd(&cfgPath),
		userCmd(&cfgPath, "delete <username>", "Delete a viewer", cobra.ExactArgs(1), deleteUser),
		userCmd(&cfgPath, "rotate-totp <username>", "Issue a new TOTP secret", cobra.ExactArgs(1), rotateTOTP),
		newUsersChpasswdCmd(&cfgPath),
		userCmd(&cfgPath, "add-login-pubkey <username> <pubkey>", "Add an SSH login public key", cobra.MinimumNArgs(2), addLoginPubKey),
		userCmd(&cfgPath, "list-login-pubkeys <username>", "List SSH login public keys", cobra.ExactArgs(1), listLoginPubKeys),
		userCmd(&cfgPath, "rm-login-pubkey <username> <id>", "Remove an SSH login public key", cobra.ExactArgs(2), removeLoginPubKey),
		userCmd(&cfgPath, "allow <username> <recorded-user>...", "Let a viewer watch other recorded users (\"*\" or a pattern such as \"svc-*\")", cobra.MinimumNArgs(2), allowUsers(true)),
		userCmd(&cfgPath, "deny <username> <recorded-user>...", "Remove entries from a viewer's allow list", cobra.MinimumNArgs(2), allowUsers(false)),
	)
	return cmd
}

// userRunFunc runs a users subcommand against the opened store. args[0] is
// the validated username for every command that takes one.
type userRunFunc func(cmd *cobra.Command, store *auth.Store, args []string) error

func userCmd(cfgPath *string, use, short string, args cobra.PositionalArgs, run userRunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			store, err := openUserStore(cmd, *cfgPath, argv)
			if err != nil {
				return err
			}
			return run(cmd, store, argv)
		},
	}
}

func openUserStore(cmd *cobra.Command, cfgPath string, args []string) (*auth.Store, error) {
	if len(args) > 0 {
		if err := schema.ValidateUserID(schema.UserID(args[0])); err != nil {
			return nil, fmt.Errorf("invalid username %q: must match [a-z0-9._-]", args[0])
		}
	}
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return auth.NewStoreWithLogger(cfg.Auth.UserFile, cfg.Auth.SeedUsers, pslog.Ctx(cmd.Context()))
}

func listUsers(cmd *cobra.Command, store *auth.Store, _ []string) error {
	out := cmd.OutOrStdout()
	for _, user := range store.LoadUsers() {
		allowed := "-"
		if len(user.Allowed) > 0 {
			allowed = strings.Join(user.Allowed, ",")
		}
		_, _ = fmt.Fprintf(out, "%s\tallowed: %s\tpubkeys: %d\n", user.Username, allowed, len(user.LoginPubKeys))
	}
	return nil
}

func newUsersAddCmd(cfgPath *string) *cobra.Command {
	var src passwordSource
	var allowed []string
	cmd := userCmd(cfgPath, "add <username>", "Add a viewer with a password and TOTP secret", cobra.ExactArgs(1),
		func(cmd *cobra.Command, store *auth.Store, args []string) error {
			enr := enrollment{username: args[0]}
			hash, err := enr.setPassword(cmd, src)
			if err != nil {
				return err
			}
			if err := enr.newTOTP(); err != nil {
				return err
			}
			if err := store.AddUser(auth.User{
				Username:     enr.username,
				PasswordHash: hash,
				TOTPSecret:   enr.secret,
				Allowed:      allowed,
			}); err != nil {
				return err
			}
			enr.print(cmd.OutOrStdout())
			return nil
		})
	src.bind(cmd)
	cmd.Flags().StringSliceVar(&allowed, "allow", nil, "recorded users this viewer may watch (\"*\" for all)")
	return cmd
}

func newUsersChpasswdCmd(cfgPath *string) *cobra.Command {
	var src passwordSource
	cmd := userCmd(cfgPath, "chpasswd <username>", "Change a viewer's password", cobra.ExactArgs(1),
		func(cmd *cobra.Command, store *auth.Store, args []string) error {
			enr := enrollment{username: args[0]}
			hash, err := enr.setPassword(cmd, src)
			if err != nil {
				return err
			}
			if err := store.UpdatePassword(enr.username, hash); err != nil {
				return err
			}
			enr.print(cmd.OutOrStdout())
			return nil
		})
	src.bind(cmd)
	return cmd
}

func deleteUser(cmd *cobra.Command, store *auth.Store, args []string) error {
	if err := store.DeleteUser(args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted user: %s\n", args[0])
	return nil
}

func rotateTOTP(cmd *cobra.Command, store *auth.Store, args []string) error {
	enr := enrollment{username: args[0]}
	if err := enr.newTOTP(); err != nil {
		return err
	}
	if err := store.UpdateTOTP(enr.username, enr.secret); err != nil {
		return err
	}
	enr.print(cmd.OutOrStdout())
	return nil
}

func addLoginPubKey(cmd *cobra.Command, store *auth.Store, args []string) error {
	pubKey := strings.TrimSpace(strings.Join(args[1:], " "))
	if pubKey == "" {
		return errors.New("pubkey is required")
	}
	id, err := store.AddLoginPubKey(schema.UserID(args[0]), pubKey)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "login pubkey added (id %d)\n", id)
	return nil
}

func listLoginPubKeys(cmd *cobra.Command, store *auth.Store, args []string) error {
	keys, err := store.ListLoginPubKeys(schema.UserID(args[0]))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "no login pubkeys")
		return nil
	}
	for i, key := range keys {
		_, _ = fmt.Fprintf(out, "%d) %s\n", i+1, strings.TrimSpace(key))
	}
	return nil
}

func removeLoginPubKey(cmd *cobra.Command, store *auth.Store, args []string) error {
	id, err := strconv.Atoi(args[1])
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid pubkey id %q", args[1])
	}
	if err := store.RemoveLoginPubKey(schema.UserID(args[0]), id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "login pubkey removed (id %d)\n", id)
	return nil
}

func allowUsers(allow bool) userRunFunc {
	verb, apply := "allow", (*auth.Store).Allow
	if !allow {
		verb, apply = "deny", (*auth.Store).Deny
	}
	return func(cmd *cobra.Command, store *auth.Store, args []string) error {
		for _, recorded := range args[1:] {
			if err := apply(store, args[0], recorded); err != nil {
				return fmt.Errorf("%s %s: %w", verb, recorded, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", verb, args[0], recorded)
		}
		return nil
	}
}

// passwordSource selects where a new password comes from. With neither flag
// set the password is prompted for twice.
type passwordSource struct {
	stdin bool
	auto  bool
}

func (p *passwordSource) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.stdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&p.auto, "auto-password", false, "generate a random password")
	cmd.MarkFlagsMutuallyExclusive("password-from-stdin", "auto-password")
}

func (p passwordSource) read(cmd *cobra.Command) (password string, generated bool, err error) {
	switch {
	case p.auto:
		return rand.Text(), true, nil
	case p.stdin:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, err
		}
		password = strings.TrimSpace(string(data))
	default:
		first, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
		if err != nil {
			return "", false, err
		}
		again, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Confirm password: ", cmd.ErrOrStderr())
		if err != nil {
			return "", false, err
		}
		if string(first) != string(again) {
			return "", false, errors.New("passwords do not match")
		}
		password = string(first)
	}
	if password == "" {
		return "", false, errors.New("password is empty")
	}
	return password, false, nil
}

// enrollment collects the credentials printed back to the operator.
type enrollment struct {
	username string
	password string // set only when generated
	secret   string
	url      string
}

func (e *enrollment) setPassword(cmd *cobra.Command, src passwordSource) (string, error) {
	password, generated, err := src.read(cmd)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if generated {
		e.password = password
	}
	return string(hash), nil
}

func (e *enrollment) newTOTP() error {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: e.username})
	if err != nil {
		return err
	}
	e.secret, e.url = key.Secret(), key.URL()
	return nil
}

func (e enrollment) print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "username: %s\n", e.username)
	if e.password != "" {
		_, _ = fmt.Fprintf(w, "password: %s\n", e.password)
	}
	if e.secret == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "totp_secret: %s\notpauth_url: %s\n", e.secret, e.url)
	qrterminal.GenerateHalfBlock(e.url, qrterminal.L, w)
}
