// Command keysctl issues, inspects and revokes broker credentials offline,
// using the same signing secret as the broker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kagehq/keys-sub000/pkg/credential"
	"github.com/kagehq/keys-sub000/pkg/scope"
	"github.com/kagehq/keys-sub000/pkg/store"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	openRedisFn = store.NewRedis
)

var errInvalidCredential = errors.New("credential invalid")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cmd := newRootCmd(os.Stdout)
	cmd.SetArgs(os.Args[1:])
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

type options struct {
	secret string
	keyID  string
	issuer string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "keysctl",
		Short:         "Manage agent credentials for the keys broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("BROKER_SIGNING_SECRET"), "signing secret (BROKER_SIGNING_SECRET)")
	root.PersistentFlags().StringVar(&opts.keyID, "key-id", envOr("BROKER_KEY_ID", "env"), "signing key id (BROKER_KEY_ID)")
	root.PersistentFlags().StringVar(&opts.issuer, "issuer", envOr("BROKER_ISSUER", "keys-broker"), "credential issuer")

	root.AddCommand(newIssueCmd(opts), newVerifyCmd(opts), newRevokeCmd(opts), newScopeCmd())
	return root
}

func newIssueCmd(opts *options) *cobra.Command {
	var agent, audience, requested string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(agent) == "" {
				return errors.New("--agent is required")
			}
			p, err := scope.Parse(requested)
			if err != nil {
				return err
			}
			if audience == "" {
				audience = p.Service
			}
			codec, closeFn, err := opts.codec(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			now := time.Now().Truncate(time.Second)
			raw, err := codec.Issue(credential.Claims{
				Subject:   agent,
				Audience:  audience,
				Scope:     p.String(),
				NotBefore: now,
				ExpiresAt: now.Add(ttl),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent id (sub)")
	cmd.Flags().StringVar(&audience, "audience", "", "audience (defaults to the scope's service)")
	cmd.Flags().StringVar(&requested, "scope", "", "scope, e.g. openai:chat.create")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	return cmd
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <credential>",
		Short: "Verify a credential and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, closeFn, err := opts.codec(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			outcome := codec.Verify(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			report := map[string]any{"valid": outcome.Valid}
			if outcome.Valid {
				report["claims"] = outcome.Claims
			} else {
				report["reason"] = outcome.Reason
			}
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !outcome.Valid {
				return fmt.Errorf("%w: %s", errInvalidCredential, outcome.Reason)
			}
			return nil
		},
	}
}

func newRevokeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <jti>",
		Short: "Revoke a credential id in the shared Redis revocation set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("REDIS_ADDR") == "" {
				return errors.New("REDIS_ADDR is required to revoke outside the broker")
			}
			codec, closeFn, err := opts.codec(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := codec.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
}

func newScopeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scope-check <held> <required>",
		Short: "Report whether a held scope covers a required one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := scope.Parse(args[0]); err != nil {
				return fmt.Errorf("held: %w", err)
			}
			if _, err := scope.Parse(args[1]); err != nil {
				return fmt.Errorf("required: %w", err)
			}
			ok := scope.Matches(args[0], args[1])
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			if !ok {
				return fmt.Errorf("%s does not cover %s", args[0], args[1])
			}
			return nil
		},
	}
}

// codec builds an HMAC codec pinned to the shared secret. Revocations live
// in Redis when REDIS_ADDR is set, so the broker and the CLI agree. The
// returned func releases the Redis client.
func (o *options) codec(ctx context.Context) (*credential.HMACCodec, func(), error) {
	noop := func() {}
	if o.secret == "" {
		return nil, noop, errors.New("signing secret required (--secret or BROKER_SIGNING_SECRET)")
	}
	opts := credential.Options{
		Issuer: o.issuer,
		Secret: []byte(o.secret),
		KeyID:  o.keyID,
	}
	closeFn := noop
	if os.Getenv("REDIS_ADDR") != "" {
		client, err := openRedisFn(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("redis: %w", err)
		}
		opts.Revocations = credential.NewRedisRevocations(client)
		closeFn = func() { _ = client.Close() }
	}
	codec, err := credential.NewHMAC(opts)
	if err != nil {
		closeFn()
		return nil, noop, err
	}
	return codec, closeFn, nil
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
