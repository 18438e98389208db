// Command outpost-probe builds an Endpoint, issues one Exchange, and
// prints the status, headers, and body — a small diagnostic tool for
// exercising the HTTP/1.1 and HTTP/2 core directly instead of shelling out
// to net/http, the spiritual successor of the teacher's
// cmd/conformance-adapter (SPEC_FULL §4.M).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpostkit/outpost"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		method      string
		headerFlags []string
		body        string
		http2Only   bool
		trustAll    bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "outpost-probe <url>",
		Short: "Issue a single HTTP exchange against a target URL and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			base, path, err := splitTarget(target)
			if err != nil {
				return err
			}

			opts := []outpost.Option{}
			if http2Only {
				opts = append(opts, outpost.WithProtocolVersions(outpost.HTTP2))
			}
			if trustAll {
				opts = append(opts, outpost.WithTLSTrustAll())
			}
			cfg := outpost.NewConfig(opts...)

			ep, err := outpost.NewEndpoint(base, cfg)
			if err != nil {
				return fmt.Errorf("outpost-probe: %w", err)
			}
			defer ep.Shutdown()

			ex := ep.Exchange(outpost.Method(strings.ToUpper(method)), path)
			for _, h := range headerFlags {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("outpost-probe: invalid -H value %q, want Name:Value", h)
				}
				ex.Request().Headers(func(hdrs *outpost.Headers) {
					hdrs.Set(strings.TrimSpace(name), strings.TrimSpace(value))
				})
			}
			if body != "" {
				ex.Request().Body(outpost.BodyString(body))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := ex.Send(ctx)
			if err != nil {
				return fmt.Errorf("outpost-probe: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "status: %d\n", resp.Status)
			resp.Headers.Range(func(name, value string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, value)
			})
			fmt.Fprintln(cmd.OutOrStdout())
			_, err = io.Copy(cmd.OutOrStdout(), resp.Reader(ctx))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&method, "method", "X", "GET", "request method")
	flags.StringArrayVarP(&headerFlags, "header", "H", nil, "request header, as Name:Value (repeatable)")
	flags.StringVarP(&body, "data", "d", "", "request body")
	flags.BoolVar(&http2Only, "http2", false, "restrict protocol negotiation to HTTP/2")
	flags.BoolVar(&trustAll, "insecure", false, "skip TLS certificate verification")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "overall exchange timeout")

	return cmd
}

// splitTarget separates a full URL into an Endpoint base
// ("scheme://host[:port]") and an absolute path+query for Exchange.
func splitTarget(target string) (base, path string, err error) {
	schemeIdx := strings.Index(target, "://")
	if schemeIdx < 0 {
		return "", "", fmt.Errorf("outpost-probe: %q is not an absolute URL", target)
	}
	rest := target[schemeIdx+3:]
	pathIdx := strings.IndexByte(rest, '/')
	if pathIdx < 0 {
		return target, "/", nil
	}
	return target[:schemeIdx+3+pathIdx], rest[pathIdx:], nil
}
