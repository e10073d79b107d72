package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/sebas/dialtest/internal/healthrpc"
	"github.com/sebas/dialtest/internal/softphone/client"
)

func (o *rootOptions) client() *client.Client {
	return client.NewClient(o.apiURL)
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildStateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the current call state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().State(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildCallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <destination>",
		Short: "Place an outbound call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Call(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildAcceptCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accept",
		Short: "Answer the ringing inbound call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Accept(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildRejectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject",
		Short: "Decline the ringing inbound call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Reject(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildHangupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hangup",
		Short: "End the current call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Hangup(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildMuteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mute",
		Short: "Toggle the microphone mute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().ToggleMute(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func buildDTMFCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dtmf <digits>",
		Short: "Send keypad tones (0-9, *, #)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().DTMF(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", strings.Join(resp.Tones, " "))
			return nil
		},
	}
}

func buildSpeakCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "speak <text>",
		Short: "Synthesize text and play it into the call",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Speak(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playing %d bytes (%s)\n", resp.Bytes, resp.Voice)
			return nil
		},
	}
}

func buildInjectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inject <file.wav>",
		Short: "Play a WAV file into the call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wav, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Inject(ctx, wav)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playing %d bytes\n", resp.Bytes)
			return nil
		},
	}
}

func buildHealthCmd(opts *rootOptions) *cobra.Command {
	var (
		grpcAddr string
		service  string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a service's gRPC health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := healthrpc.Check(cmd.Context(), grpcAddr, service, 5*time.Second)
			if err != nil {
				return err
			}
			out, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "127.0.0.1:7071", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", "dialtest.softphone", "Service name to check (empty for the server as a whole)")
	return cmd
}
