// Package peertest runs peer subcommands against an in-process relay.
package peertest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/internal/client"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/registry"
	"github.com/wilsonzlin/lanrtc/internal/signaling"
)

// StartRelay serves the signaling endpoint on a loopback httptest server and
// returns its ws:// URL.
func StartRelay(t testing.TB) string {
	t.Helper()

	router := signaling.NewRouter(signaling.RouterConfig{
		Registry: registry.New(registry.PolicyFanOut),
		History:  history.NewStore(history.DefaultLimit),
		ServerIP: "127.0.0.1",
	})
	ws := signaling.NewWebSocketServer(signaling.WebSocketConfig{Router: router})

	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ws.Close()
		ts.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// Dial registers a plain client at address.
func Dial(t testing.TB, relayURL, address string, h client.Handlers) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{URL: relayURL, Address: address}, h)
	if err != nil {
		t.Fatalf("dial %s: %v", address, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Buffer is a bytes.Buffer safe for a command writing while a test reads.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Command builds a subcommand with the shared peer flags attached, the way
// the root command provides them.
func Command(newCmd func(*internal.Options) *cobra.Command, out *Buffer, args ...string) *cobra.Command {
	opts := &internal.Options{}
	cmd := newCmd(opts)
	opts.AddFlags(cmd.PersistentFlags())
	cmd.SetOut(out)
	cmd.SetErr(&Buffer{})
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd
}

// Execute runs a subcommand to completion and returns what it printed.
func Execute(ctx context.Context, newCmd func(*internal.Options) *cobra.Command, args ...string) (string, error) {
	out := &Buffer{}
	err := Command(newCmd, out, args...).ExecuteContext(ctx)
	return out.String(), err
}
