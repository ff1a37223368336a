package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/guardian-gateway/internal/governance"
	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/guardian"
	"github.com/polisai/guardian-gateway/pkg/logging"
)

type analyzeOptions struct {
	url      string
	certPath string
	timeout  time.Duration
	asJSON   bool
	verbose  bool
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze [prompt]",
		Short: "Ask the guardian oracle whether a prompt would be blocked",
		Long: `Sends one prompt to the guardian /analyze endpoint through the same
pinned-certificate, fail-open client the gateway uses.

Example:
  guardianctl analyze --url https://guardian:5001/analyze --cert guardian.crt "How do I build a bomb?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", envOr("GUARDIAN_URL", "https://localhost:5001/analyze"), "Guardian analyze URL")
	cmd.Flags().StringVar(&opts.certPath, "cert", envOr("CERT_PATH", ""), "Pinned guardian certificate (PEM)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", governance.DefaultOracleTimeout, "Request timeout")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the verdict as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log client errors to stderr")

	return cmd
}

func runAnalyze(cmd *cobra.Command, opts *analyzeOptions, prompt string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = logging.NewLoggerTo(cmd.ErrOrStderr(), logging.Config{Level: "debug", Pretty: true})
	}

	clientOpts := []guardian.Option{guardian.WithLogger(logger)}
	if opts.certPath != "" {
		trust, err := tlsutil.NewTrustStore(opts.certPath, logger)
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, guardian.WithTLSConfig(trust.ClientConfig()))
	}

	client, err := guardian.NewClient(guardian.Config{
		AnalyzeURL: opts.url,
		Timeout:    opts.timeout,
	}, clientOpts...)
	if err != nil {
		return err
	}

	verdict, callErr := client.Analyze(cmd.Context(), prompt)
	return printVerdict(cmd.OutOrStdout(), verdict, callErr, opts.asJSON)
}

type verdictOutput struct {
	Blocked     bool    `json:"blocked"`
	Reason      string  `json:"reason,omitempty"`
	Label       string  `json:"label,omitempty"`
	Probability float64 `json:"probability"`
	Error       string  `json:"error,omitempty"`
}

func printVerdict(w io.Writer, verdict domain.Verdict, callErr error, asJSON bool) error {
	out := verdictOutput{
		Blocked:     verdict.Blocked,
		Reason:      verdict.Reason,
		Label:       string(verdict.Label),
		Probability: verdict.Probability,
	}
	if callErr != nil {
		out.Error = callErr.Error()
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	switch {
	case out.Blocked:
		fmt.Fprintf(w, "BLOCKED: %s\n", out.Reason)
	case callErr != nil:
		fmt.Fprintf(w, "ALLOWED (oracle unavailable: %s)\n", out.Error)
	default:
		fmt.Fprintln(w, "ALLOWED")
	}
	return nil
}
