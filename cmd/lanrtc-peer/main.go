package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal/call"
	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal/chat"
	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal/history"
	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal/listen"
)

func NewPeerCommand() *cobra.Command {
	opts := &internal.Options{}

	cmd := &cobra.Command{
		Use:          "lanrtc-peer",
		Short:        "Headless LAN call and chat peer for lanrtc-relay",
		Example:      "lanrtc-peer --relay ws://192.168.1.10:8080/ws call 192.168.1.23",
		SilenceUsage: true,
	}
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		listen.NewListenCommand(opts),
		call.NewCallCommand(opts),
		chat.NewChatCommand(opts),
		history.NewHistoryCommand(opts),
	)

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewPeerCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
