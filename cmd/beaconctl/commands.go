package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"beacon/internal/infra/codec"
	"beacon/internal/infra/signing"
	"beacon/pkg/client"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type envelopeFlags struct {
	secret    string
	clientID  string
	version   string
	algorithm string
	nonce     string
	timestamp int64
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "beaconctl",
		Short:         "Encode, sign and send reports to a beacon relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEncodeCmd(), newDecodeCmd(), newSignCmd(), newSendCmd(), newEmbedCmd())
	return root
}

func newEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode [json|-]",
		Short: "Encode a JSON document with the 3-digit payload codec",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONInput(cmd, args)
			if err != nil {
				return err
			}
			encoded, err := codec.EncodeJSON(raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

func newDecodeCmd() *cobra.Command {
	var lenient bool
	cmd := &cobra.Command{
		Use:   "decode [payload|-]",
		Short: "Decode a 3-digit payload back to JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			payload, err := codec.Decoder{Lenient: lenient}.Decode(strings.TrimSpace(string(raw)))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload.Raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&lenient, "lenient", false, "skip malformed chunks instead of failing")
	return cmd
}

func newSignCmd() *cobra.Command {
	var flags envelopeFlags
	cmd := &cobra.Command{
		Use:   "sign [json|-]",
		Short: "Print a signed report envelope for a JSON payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnvelope(cmd, args, flags)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), env)
		},
	}
	bindEnvelopeFlags(cmd, &flags)
	return cmd
}

func newSendCmd() *cobra.Command {
	var flags envelopeFlags
	var url string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [json|-]",
		Short: "Sign a JSON payload and post it to a relay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnvelope(cmd, args, flags)
			if err != nil {
				return err
			}
			c := client.New(url, client.WithHTTPClient(httpClient(timeout)))
			resp, err := c.Send(cmd.Context(), env)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	bindEnvelopeFlags(cmd, &flags)
	cmd.Flags().StringVar(&url, "url", envOr("BEACON_URL", "http://localhost:8080"), "relay base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func newEmbedCmd() *cobra.Command {
	var url, token, secret, userAgent string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "embed [json|-]",
		Short: "Forward a prebuilt embed object through the relay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONInput(cmd, args)
			if err != nil {
				return err
			}
			c := client.New(url, client.WithHTTPClient(httpClient(timeout)), client.WithUserAgent(userAgent))
			creds := client.EmbedCredentials{APIToken: token, APISecret: secret}
			if err := c.SendEmbed(cmd.Context(), creds, raw, time.Now()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", envOr("BEACON_URL", "http://localhost:8080"), "relay base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("API_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("API_SECRET"), "embed signing secret")
	cmd.Flags().StringVar(&userAgent, "user-agent", "beaconctl/http", "User-Agent sent to the relay")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func bindEnvelopeFlags(cmd *cobra.Command, flags *envelopeFlags) {
	cmd.Flags().StringVar(&flags.secret, "secret", os.Getenv("SHARED_SECRET"), "shared signing secret")
	cmd.Flags().StringVar(&flags.clientID, "client", envOr("EXPECTED_CLIENT_ID", "beacon-agent"), "client identifier")
	cmd.Flags().StringVar(&flags.version, "protocol-version", envOr("EXPECTED_PROTOCOL_VERSION", "2.0"), "protocol version")
	cmd.Flags().StringVar(&flags.algorithm, "algorithm", envOr("SIGNATURE_ALGORITHM", signing.AlgorithmHMACSHA256),
		"signature algorithm ("+strings.Join(signing.Supported(), ", ")+")")
	cmd.Flags().StringVar(&flags.nonce, "nonce", "", "nonce to use (random when empty)")
	cmd.Flags().Int64Var(&flags.timestamp, "timestamp", 0, "unix seconds to sign with (now when zero)")
}

func buildEnvelope(cmd *cobra.Command, args []string, flags envelopeFlags) (client.Envelope, error) {
	raw, err := readJSONInput(cmd, args)
	if err != nil {
		return client.Envelope{}, err
	}
	signer, err := signing.New(flags.algorithm)
	if err != nil {
		return client.Envelope{}, err
	}
	creds := client.Credentials{
		Secret:          flags.secret,
		ClientID:        flags.clientID,
		ProtocolVersion: flags.version,
		Signer:          signer,
	}
	now := time.Now()
	if flags.timestamp != 0 {
		now = time.Unix(flags.timestamp, 0)
	}
	encoded, err := codec.EncodeJSON(raw)
	if err != nil {
		return client.Envelope{}, err
	}
	nonce := flags.nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	return client.SignEncoded(creds, encoded, nonce, now)
}

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	return io.ReadAll(cmd.InOrStdin())
}

func readJSONInput(cmd *cobra.Command, args []string) ([]byte, error) {
	raw, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid json")
	}
	return raw, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
