package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
)

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and inspect the guardian's pinned certificate",
	}
	cmd.AddCommand(newCertGenerateCmd(), newCertInspectCmd())
	return cmd
}

type generateOptions struct {
	commonName string
	dnsNames   string
	ips        string
	validFor   time.Duration
	keySize    int
	outputDir  string
	name       string
}

func newCertGenerateCmd() *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed certificate for the guardian oracle",
		Long: `Writes <name>.crt and <name>.key. The oracle serves the pair; the gateway
and front-end pin the .crt through CERT_PATH.

Example:
  guardianctl cert generate --cn guardian --dns guardian,localhost --output-dir ./certs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.commonName, "cn", "guardian", "Common name for the certificate")
	cmd.Flags().StringVar(&opts.dnsNames, "dns", "guardian,localhost", "Comma-separated list of DNS names (SANs)")
	cmd.Flags().StringVar(&opts.ips, "ips", "127.0.0.1", "Comma-separated list of IP addresses")
	cmd.Flags().DurationVar(&opts.validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().IntVar(&opts.keySize, "key-size", 2048, "RSA key size in bits")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", ".", "Output directory")
	cmd.Flags().StringVar(&opts.name, "name", "guardian", "Base file name")

	return cmd
}

func runGenerate(w io.Writer, opts *generateOptions) error {
	ips, err := parseIPAddresses(opts.ips)
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := tlsutil.GenerateSelfSignedCertificate(tlsutil.CertificateGenerationOptions{
		CommonName:   opts.commonName,
		Organization: []string{"Guardian Gateway"},
		DNSNames:     splitList(opts.dnsNames),
		IPAddresses:  ips,
		ValidFor:     opts.validFor,
		KeySize:      opts.keySize,
	})
	if err != nil {
		return err
	}

	certPath := filepath.Join(opts.outputDir, opts.name+".crt")
	keyPath := filepath.Join(opts.outputDir, opts.name+".key")
	if err := tlsutil.WriteCertificateFiles(certPEM, keyPEM, certPath, keyPath); err != nil {
		return err
	}

	fmt.Fprintf(w, "Certificate generated successfully:\n")
	fmt.Fprintf(w, "  Certificate: %s\n", certPath)
	fmt.Fprintf(w, "  Private Key: %s\n", keyPath)
	fmt.Fprintf(w, "  Common Name: %s\n", opts.commonName)
	fmt.Fprintf(w, "  Valid For: %v\n", opts.validFor)
	return nil
}

func newCertInspectCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect <cert-file>",
		Short: "Show certificate details and validity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json")
	return cmd
}

func runInspect(w io.Writer, certFile, format string) error {
	info, err := tlsutil.GetCertificateFileInfo(certFile)
	if err != nil {
		return err
	}
	validErr := tlsutil.ValidateCertificateFile(certFile)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*tlsutil.CertificateInfo
			Valid bool `json:"valid"`
		}{info, validErr == nil})
	case "text":
		fmt.Fprintf(w, "Certificate Information:\n")
		fmt.Fprintf(w, "  File: %s\n", info.CertFile)
		fmt.Fprintf(w, "  Subject: %s\n", info.Subject)
		fmt.Fprintf(w, "  Issuer: %s\n", info.Issuer)
		fmt.Fprintf(w, "  Valid From: %s\n", info.NotBefore.Format(time.RFC3339))
		fmt.Fprintf(w, "  Valid Until: %s\n", info.NotAfter.Format(time.RFC3339))
		if len(info.DNSNames) > 0 {
			fmt.Fprintf(w, "  DNS Names: %s\n", strings.Join(info.DNSNames, ", "))
		}
		if len(info.IPAddresses) > 0 {
			ips := make([]string, 0, len(info.IPAddresses))
			for _, ip := range info.IPAddresses {
				ips = append(ips, ip.String())
			}
			fmt.Fprintf(w, "  IP Addresses: %s\n", strings.Join(ips, ", "))
		}
		if validErr != nil {
			fmt.Fprintf(w, "  Status: INVALID (%v)\n", validErr)
		} else {
			fmt.Fprintf(w, "  Status: valid\n")
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (supported: text, json)", format)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIPAddresses(s string) ([]net.IP, error) {
	var ips []net.IP
	for _, part := range splitList(s) {
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", part)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
