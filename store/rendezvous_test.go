package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalabs/coda"
)

func TestReconnectBlocksUntilHandoffComplete(t *testing.T) {
	r := NewRendezvous()
	point, err := r.Disconnect("sess-1")
	require.NoError(t, err)

	reconnected := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reconnected <- r.Reconnect(ctx, "sess-1", func(coda.AgentEvent) {})
	}()

	claim, err := point.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claim.Deliver)

	select {
	case <-reconnected:
		t.Fatal("Reconnect must not return before Done is closed")
	case <-time.After(50 * time.Millisecond):
	}

	close(claim.Done)
	require.NoError(t, <-reconnected)
}

func TestReconnectWithNoDisconnectedSessionReturnsImmediately(t *testing.T) {
	r := NewRendezvous()
	err := r.Reconnect(context.Background(), "unknown", func(coda.AgentEvent) {})
	require.NoError(t, err)
}

func TestDisconnectTwiceIsRejected(t *testing.T) {
	r := NewRendezvous()
	_, err := r.Disconnect("sess-1")
	require.NoError(t, err)
	_, err = r.Disconnect("sess-1")
	require.ErrorIs(t, err, ErrHandoffClaimed)
}

func TestCleanReplayStripsInternalTagsAndSystemLines(t *testing.T) {
	history := []coda.Message{
		coda.UserText("<codebase_context>secret internals</codebase_context>fix the bug\n[SYSTEM directive] do X\nplease help"),
	}
	cleaned := CleanReplay(history)
	require.NotContains(t, cleaned[0].Text, "codebase_context")
	require.NotContains(t, cleaned[0].Text, "[SYSTEM")
	require.Contains(t, cleaned[0].Text, "fix the bug")
	require.Contains(t, cleaned[0].Text, "please help")
}
