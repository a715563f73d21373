package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/internal/client"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/negotiation"
)

const defaultConnectTimeout = 30 * time.Second

func NewCallCommand(opts *internal.Options) *cobra.Command {
	var (
		connectTimeout time.Duration
		duration       time.Duration
	)

	cmd := &cobra.Command{
		Use:     "call <ip>",
		Short:   "Call a peer and hold the call open",
		Example: "lanrtc-peer call 192.168.1.23 --duration 30s",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			return internal.ValidateAddress(args[0])
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return callCmd(cmd, opts, args[0], connectTimeout, duration)
		},
	}

	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", defaultConnectTimeout, "give up if the call is not connected within this time")
	cmd.Flags().DurationVar(&duration, "duration", 0, "hang up after this long (0 = until interrupted)")

	return cmd
}

func callCmd(cmd *cobra.Command, opts *internal.Options, target string, connectTimeout, duration time.Duration) error {
	if connectTimeout <= 0 {
		return fmt.Errorf("--connect-timeout must be > 0 (got %s)", connectTimeout)
	}
	if duration < 0 {
		return fmt.Errorf("--duration must be >= 0 (got %s)", duration)
	}

	cfg, logger, err := internal.Setup(cmd, opts)
	if err != nil {
		return err
	}
	out := internal.SyncWriter(cmd.OutOrStdout())
	ctx := cmd.Context()

	statuses := make(chan negotiation.Status, 64)
	handlers := client.Handlers{
		OnChat: func(m history.ChatMessage) { internal.PrintChat(out, m) },
	}
	s, err := internal.Connect(ctx, cfg, logger, handlers, func(st negotiation.Status) {
		internal.PrintStatus(out, st)
		select {
		case statuses <- st:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Peer.Call(ctx, target); err != nil {
		return fmt.Errorf("call %s: %w", target, err)
	}

	if err := waitConnected(ctx, s, statuses, connectTimeout); err != nil {
		return err
	}

	var hold <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		hold = t.C
	}
	for {
		select {
		case st := <-statuses:
			switch st.State {
			case negotiation.StateIdle:
				fmt.Fprintf(out, "call with %s ended\n", target)
				return nil
			case negotiation.StateFailed:
				return callError(st.Err)
			}
		case <-hold:
			printTracks(out, s.Peer)
			return s.Peer.Hangup()
		case <-ctx.Done():
			printTracks(out, s.Peer)
			return s.Peer.Hangup()
		case <-s.Client.Done():
			return internal.ErrRelayClosed
		}
	}
}

func waitConnected(ctx context.Context, s *internal.Session, statuses <-chan negotiation.Status, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case st := <-statuses:
			switch st.State {
			case negotiation.StateConnected:
				return nil
			case negotiation.StateFailed:
				return callError(st.Err)
			case negotiation.StateIdle:
				if st.Err != nil {
					return st.Err
				}
				return errors.New("call ended before connecting")
			}
		case <-timer.C:
			return fmt.Errorf("call not connected within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Client.Done():
			return internal.ErrRelayClosed
		}
	}
}

func callError(err error) error {
	if err == nil {
		return negotiation.ErrConnectionFailed
	}
	return err
}

func printTracks(w io.Writer, p *negotiation.Peer) {
	for _, t := range p.RemoteTracks() {
		fmt.Fprintf(w, "received %d RTP packets on %s track %s (%s)\n", t.Packets, t.Kind, t.ID, t.MimeType)
	}
}
