package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/internal/client"
	chathistory "github.com/wilsonzlin/lanrtc/internal/history"
)

const defaultTimeout = 5 * time.Second

func NewHistoryCommand(opts *internal.Options) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:     "history <ip>",
		Short:   "Print the stored chat history with a peer",
		Example: "lanrtc-peer history 192.168.1.23 --json",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			return internal.ValidateAddress(args[0])
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyCmd(cmd, opts, args[0], timeout, asJSON)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "how long to wait for the relay's reply")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as a JSON array")

	return cmd
}

func historyCmd(cmd *cobra.Command, opts *internal.Options, peer string, timeout time.Duration, asJSON bool) error {
	cfg, logger, err := internal.Setup(cmd, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	replies := make(chan []chathistory.ChatMessage, 1)
	handlers := client.Handlers{
		OnHistory: func(from string, msgs []chathistory.ChatMessage) {
			if from != peer {
				return
			}
			select {
			case replies <- msgs:
			default:
			}
		},
	}
	s, err := internal.Connect(ctx, cfg, logger, handlers, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Client.RequestHistory(peer); err != nil {
		return fmt.Errorf("request history: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var msgs []chathistory.ChatMessage
	select {
	case msgs = <-replies:
	case <-timer.C:
		return errors.New("no history reply from relay")
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Client.Done():
		return internal.ErrRelayClosed
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintf(out, "no messages with %s\n", peer)
		return nil
	}
	for _, m := range msgs {
		internal.PrintChat(out, m)
	}
	return nil
}
