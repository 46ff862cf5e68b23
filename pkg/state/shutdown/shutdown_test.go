//go:build unix

package shutdown

import (
	"bytes"
	"context"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/state/logger"
)

func TestSignalCancelsContext(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter("info", &buf)
	defer func() { logger.Log = nil }()

	ctx, cancel := SetupSignalHandler(context.Background())
	defer cancel()
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
	out := buf.String()
	assert.Contains(t, out, "signal_received")
	assert.Contains(t, out, `reason="shutdown requested"`)
	assert.Equal(t, 1, strings.Count(out, "msg="), "only the record message uses the msg key")
}

func TestCancelStopsHandler(t *testing.T) {
	ctx, cancel := SetupSignalHandler(context.Background())
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
