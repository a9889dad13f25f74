package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/pkg/client"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "send":
		err = commandSend(args, os.Stdout)
	case "sign":
		err = commandSign(args, os.Stdout)
	case "health":
		err = commandHealth(args, os.Stdout)
	case "stats":
		err = commandStats(args, os.Stdout)
	case "version", "--version", "-v":
		fmt.Println("hookctl", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandSend(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	apiBase := fs.String("url", envOr("HOOKCTL_URL", "http://localhost:8080"), "API base URL")
	path := fs.String("path", "/webhook", "webhook path")
	secret := fs.String("secret", os.Getenv("VAPI_WEBHOOK_SECRET"), "webhook signing secret")
	file := fs.String("file", "-", "payload file, - for stdin")
	prefix := fs.String("prefix", "", "signature prefix, e.g. sha256=")
	unsigned := fs.Bool("unsigned", false, "omit the signature header")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*unsigned && strings.TrimSpace(*secret) == "" {
		return errors.New("--secret is required unless --unsigned is set")
	}
	payload, err := readPayload(*file)
	if err != nil {
		return err
	}

	cli, err := client.New(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := cli.SendWebhook(ctx, *path, payload, client.SignOptions{Secret: *secret, Prefix: *prefix, Unsigned: *unsigned})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status: %d\n", resp.Status)
	for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Request-ID"} {
		if v := resp.Header.Get(h); v != "" {
			fmt.Fprintf(out, "%s: %s\n", h, v)
		}
	}
	fmt.Fprintln(out, strings.TrimSpace(string(resp.Body)))
	if resp.Status >= 400 {
		return fmt.Errorf("webhook rejected with status %d", resp.Status)
	}
	return nil
}

func commandSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("VAPI_WEBHOOK_SECRET"), "webhook signing secret")
	file := fs.String("file", "-", "payload file, - for stdin")
	prefix := fs.String("prefix", "", "signature prefix, e.g. sha256=")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*secret) == "" {
		return errors.New("--secret is required")
	}
	payload, err := readPayload(*file)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, *prefix+webhook.Sign(payload, []byte(*secret)))
	return nil
}

func commandHealth(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	apiBase := fs.String("url", envOr("HOOKCTL_URL", "http://localhost:8080"), "API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cli, err := client.New(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := cli.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status: %s (%s)\n", h.Status, h.Timestamp)
	for name, detail := range h.Components {
		fmt.Fprintf(out, "  %s: %v\n", name, detail)
	}
	if h.Status != "healthy" {
		return fmt.Errorf("service %s", h.Status)
	}
	return nil
}

func commandStats(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	apiBase := fs.String("url", envOr("HOOKCTL_URL", "http://localhost:8080"), "API base URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin bearer token")
	window := fs.Duration("window", 24*time.Hour, "trailing window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cli, err := client.New(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	summary, err := cli.StatsSummary(ctx, *token, *window)
	if err != nil {
		return err
	}
	for _, key := range []string{"since", "calls", "callsByPriority", "notifications", "toolCalls", "unavailable"} {
		if v, ok := summary[key]; ok {
			fmt.Fprintf(out, "%s: %v\n", key, v)
		}
	}
	return nil
}

func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `hookctl - operate the webhook API

Usage:
  hookctl send   -url URL -secret S -file payload.json [-path /webhook] [-prefix sha256=] [-unsigned]
  hookctl sign   -secret S -file payload.json [-prefix sha256=]
  hookctl health -url URL
  hookctl stats  -url URL -token T [-window 24h]
  hookctl version`)
}
