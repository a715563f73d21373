package listen

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/internal/client"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/negotiation"
)

func NewListenCommand(opts *internal.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "listen",
		Short:   "Stay registered, answer incoming calls and print chat",
		Example: "lanrtc-peer listen --relay ws://192.168.1.10:8080/ws",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listenCmd(cmd, opts)
		},
	}
	return cmd
}

func listenCmd(cmd *cobra.Command, opts *internal.Options) error {
	cfg, logger, err := internal.Setup(cmd, opts)
	if err != nil {
		return err
	}
	out := internal.SyncWriter(cmd.OutOrStdout())
	ctx := cmd.Context()

	handlers := client.Handlers{
		OnChat: func(m history.ChatMessage) { internal.PrintChat(out, m) },
		OnPeerDisconnected: func(addr string) {
			fmt.Fprintf(out, "%s left\n", addr)
		},
		OnRelayError: func(e *client.RelayError) {
			fmt.Fprintf(out, "relay error: %v\n", e)
		},
	}
	s, err := internal.Connect(ctx, cfg, logger, handlers, func(st negotiation.Status) {
		internal.PrintStatus(out, st)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(out, "listening as %s (session %s, relay %s)\n", s.Client.Address(), s.Client.SessionID(), s.Client.ServerIP())

	select {
	case <-ctx.Done():
		return nil
	case <-s.Client.Done():
		return internal.ErrRelayClosed
	}
}
