package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/internal/client"
)

const defaultTimeout = 5 * time.Second

func NewChatCommand(opts *internal.Options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "chat <ip> <text>",
		Short:   "Send a chat message to a peer",
		Example: `lanrtc-peer chat 192.168.1.23 "are you there?"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			if err := internal.ValidateAddress(args[0]); err != nil {
				return err
			}
			if strings.TrimSpace(args[1]) == "" {
				return client.ErrEmptyText
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(cmd, opts, args[0], args[1], timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "how long to wait for the relay's delivery report")

	return cmd
}

func chatCmd(cmd *cobra.Command, opts *internal.Options, target, text string, timeout time.Duration) error {
	cfg, logger, err := internal.Setup(cmd, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	deliveries := make(chan client.Delivery, 1)
	relayErrs := make(chan *client.RelayError, 1)
	handlers := client.Handlers{
		OnDelivery: func(d client.Delivery) {
			select {
			case deliveries <- d:
			default:
			}
		},
		OnRelayError: func(e *client.RelayError) {
			select {
			case relayErrs <- e:
			default:
			}
		},
	}
	s, err := internal.Connect(ctx, cfg, logger, handlers, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Client.SendChat(target, text); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-deliveries:
		if d.Delivered {
			fmt.Fprintf(out, "delivered to %s\n", d.ToIP)
		} else {
			fmt.Fprintf(out, "%s is offline, message kept in history\n", d.ToIP)
		}
		return nil
	case e := <-relayErrs:
		return e
	case <-timer.C:
		return errors.New("no delivery report from relay")
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Client.Done():
		return internal.ErrRelayClosed
	}
}
