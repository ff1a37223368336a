package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/frontend"
)

func newChatCmd() *cobra.Command {
	var (
		frontendURL string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send prompts to the chat front-end line by line",
		Long: `Reads prompts from stdin, one per line, and posts each to the front-end
/send endpoint. Blocked prompts come back as the guardian's reason.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: timeout}
			interactive := isTerminal(cmd.InOrStdin())
			return runChat(cmd.Context(), client, strings.TrimRight(frontendURL, "/"), cmd.InOrStdin(), cmd.OutOrStdout(), interactive)
		},
	}

	cmd.Flags().StringVar(&frontendURL, "url", envOr("FRONTEND_URL", "http://localhost:5000"), "Chat front-end base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-prompt timeout")

	return cmd
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// runChat loops over stdin lines until EOF. Errors for a single prompt are
// printed and the loop continues.
func runChat(ctx context.Context, client *http.Client, baseURL string, in io.Reader, out io.Writer, interactive bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}

		reply, err := sendPrompt(ctx, client, baseURL, prompt)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func sendPrompt(ctx context.Context, client *http.Client, baseURL, prompt string) (string, error) {
	body, err := json.Marshal(frontend.SendRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		var e domain.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return "", fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var ok frontend.SendResponse
	if err := json.Unmarshal(raw, &ok); err != nil {
		return "", fmt.Errorf("unexpected reply: %w", err)
	}
	return ok.Response, nil
}
