// Command dialctl drives a running softphone from the terminal.
//
//	dialctl call +15550100
//	dialctl dtmf 1#
//	dialctl speak "I'd like to check my balance"
//	dialctl hangup
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	apiURL  string
	timeout time.Duration
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dialctl",
		Short:         "Control a dialtest softphone",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("DIALCTL_API", "http://127.0.0.1:7070"), "Softphone control API base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		buildStateCmd(opts),
		buildCallCmd(opts),
		buildAcceptCmd(opts),
		buildRejectCmd(opts),
		buildHangupCmd(opts),
		buildMuteCmd(opts),
		buildDTMFCmd(opts),
		buildSpeakCmd(opts),
		buildInjectCmd(opts),
		buildHealthCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
