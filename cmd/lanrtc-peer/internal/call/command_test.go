package call

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal"
	"github.com/wilsonzlin/lanrtc/cmd/lanrtc-peer/internal/peertest"
)

func TestNewCallCommand(t *testing.T) {
	cmd := NewCallCommand(&internal.Options{})

	require.NotNil(t, cmd)
	assert.Equal(t, "call <ip>", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	connect := cmd.Flags().Lookup("connect-timeout")
	require.NotNil(t, connect)
	assert.Equal(t, defaultConnectTimeout.String(), connect.DefValue)

	duration := cmd.Flags().Lookup("duration")
	require.NotNil(t, duration)
	assert.Equal(t, "0s", duration.DefValue)
}

func TestCallCommand_Args(t *testing.T) {
	cmd := NewCallCommand(&internal.Options{})

	assert.NoError(t, cmd.Args(cmd, []string{"192.168.1.5"}))
	assert.Error(t, cmd.Args(cmd, nil))
	assert.Error(t, cmd.Args(cmd, []string{"192.168.1.5", "192.168.1.6"}))
	assert.Error(t, cmd.Args(cmd, []string{"printer"}))
}

func TestCallCommand_RejectsBadDurations(t *testing.T) {
	_, err := peertest.Execute(context.Background(), NewCallCommand, "--connect-timeout", "0s", "192.168.1.5")
	assert.ErrorContains(t, err, "--connect-timeout")

	_, err = peertest.Execute(context.Background(), NewCallCommand, "--duration", "-1s", "192.168.1.5")
	assert.ErrorContains(t, err, "--duration")
}

func TestCallCommand_RelayUnreachable(t *testing.T) {
	_, err := peertest.Execute(context.Background(), NewCallCommand,
		"--relay", "ws://127.0.0.1:1/ws", "--address", "127.0.0.1", "--dial-timeout", "1s", "127.0.0.2")
	assert.ErrorContains(t, err, "dial relay")
}
