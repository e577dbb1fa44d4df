package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"marketescrow/native/amount"
)

const (
	defaultServer  = "http://127.0.0.1:7090"
	operatorScope  = "escrow:operate"
	defaultTimeout = 90 * time.Second
)

type rootOptions struct {
	server   string
	token    string
	tokenEnv string
	timeout  time.Duration
}

func (o *rootOptions) client() *apiClient {
	token := o.token
	if token == "" && o.tokenEnv != "" {
		token = os.Getenv(o.tokenEnv)
	}
	return newAPIClient(o.server, token, o.timeout)
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Inspect and operate marketplace escrows through escrowd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "escrowd base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "operator bearer token")
	root.PersistentFlags().StringVar(&opts.tokenEnv, "token-env", "ESCROWCTL_TOKEN", "environment variable holding the operator token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(
		getCmd(opts, "status ESCROW_ID", "Show the cached escrow record", func(args []string) (string, string, error) {
			id, err := parseID(args[0])
			return http.MethodGet, "/escrows/" + id, err
		}),
		getCmd(opts, "eligibility ESCROW_ID", "Evaluate the escrow's time-gated eligibility", func(args []string) (string, string, error) {
			id, err := parseID(args[0])
			return http.MethodGet, "/escrows/" + id + "/eligibility", err
		}),
		getCmd(opts, "order ORDER_ID", "Look up the escrow for a marketplace order", func(args []string) (string, string, error) {
			return http.MethodGet, "/orders/" + url.PathEscape(args[0]) + "/escrow", nil
		}),
		getCmd(opts, "release ESCROW_ID", "Trigger auto-release with the daemon's operator key", func(args []string) (string, string, error) {
			id, err := parseID(args[0])
			return http.MethodPost, "/escrows/" + id + "/auto-release", err
		}),
		getCmd(opts, "resync ESCROW_ID", "Refresh the cached record from the ledger", func(args []string) (string, string, error) {
			id, err := parseID(args[0])
			return http.MethodPost, "/escrows/" + id + "/resync", err
		}),
		listCmd(opts),
		amountCmd(),
		tokenCmd(),
	)
	return root
}

func parseID(raw string) (string, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return "", fmt.Errorf("invalid escrow id %q", raw)
	}
	return strconv.FormatUint(id, 10), nil
}

func getCmd(opts *rootOptions, use, short string, route func([]string) (string, string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, path, err := route(args)
			if err != nil {
				return err
			}
			return fetch(cmd, opts, method, path)
		},
	}
}

func listCmd(opts *rootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list ADDRESS",
		Short: "List escrows where the address participates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/users/" + url.PathEscape(args[0]) + "/escrows"
			if role != "" {
				path += "?role=" + url.QueryEscape(role)
			}
			return fetch(cmd, opts, http.MethodGet, path)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role (buyer, seller, resolver)")
	return cmd
}

func fetch(cmd *cobra.Command, opts *rootOptions, method, path string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := opts.client().do(ctx, method, path)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(body), "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func amountCmd() *cobra.Command {
	var decimals uint8
	cmd := &cobra.Command{
		Use:   "amount",
		Short: "Convert between decimal amounts and ledger base units",
	}
	cmd.PersistentFlags().Uint8Var(&decimals, "decimals", amount.DefaultDecimals, "token decimal places")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "to-fixed AMOUNT",
			Short: "Convert a decimal amount into base units",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, err := amount.NewCodec(decimals).ToFixed(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "from-fixed BASE_UNITS",
			Short: "Render base units as a decimal amount",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, ok := new(big.Int).SetString(strings.TrimSpace(args[0]), 10)
				if !ok {
					return fmt.Errorf("invalid base unit amount %q", args[0])
				}
				formatted, err := amount.NewCodec(decimals).FromFixed(value)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatted)
				return nil
			},
		},
	)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secretEnv string
		subject   string
		issuer    string
		audience  string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the shared HMAC secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(os.Getenv(secretEnv))
			if secret == "" {
				return fmt.Errorf("environment variable %s is empty", secretEnv)
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			signed, err := mintToken([]byte(secret), subject, issuer, audience, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secretEnv, "secret-env", "ESCROWD_JWT_SECRET", "environment variable holding the HMAC secret")
	cmd.Flags().StringVar(&subject, "subject", "escrowctl", "token subject")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer")
	cmd.Flags().StringVar(&audience, "audience", "", "token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	return cmd
}

func mintToken(secret []byte, subject, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": operatorScope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
