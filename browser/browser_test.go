package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChromeSession_CloseWithoutLaunch verifies an unused session closes
// cleanly and only once.
func TestChromeSession_CloseWithoutLaunch(t *testing.T) {
	s := NewChromeSession(nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Nil(t, s.browserCtx, "closing must not launch the browser")
}

// TestChromeSession_AcquireAfterClose verifies closed sessions refuse new
// pages without starting Chrome.
func TestChromeSession_AcquireAfterClose(t *testing.T) {
	s := NewChromeSession(nil)
	require.NoError(t, s.Close())

	_, err := s.AcquirePage(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, s.browserCtx)
}

// TestChromeSession_AcquireCancelled verifies a cancelled caller context is
// rejected before launch.
func TestChromeSession_AcquireCancelled(t *testing.T) {
	s := NewChromeSession(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AcquirePage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, s.browserCtx)
}

func TestReleasePage_IgnoresForeignPages(t *testing.T) {
	s := NewChromeSession(nil)
	defer s.Close()

	assert.NotPanics(t, func() { s.ReleasePage(nil) })
}
