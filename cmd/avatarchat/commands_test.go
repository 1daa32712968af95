package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useBackend points the one-shot commands at be through a config file.
func useBackend(t *testing.T, be *testutil.Backend) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  base_url: "+be.URL+"\n"), 0644))
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func TestJobQueue_BusyPrintsNotice(t *testing.T) {
	be := testutil.NewBackend(t)
	be.Reply(http.MethodPost, "/video/queue", testutil.Response{Status: http.StatusConflict, Body: map[string]any{"success": false}})
	useBackend(t, be)

	cmd := newJobCmd()
	cmd.SetArgs([]string{"queue", "9"})
	err := cmd.ExecuteContext(context.Background())

	require.Error(t, err)
	assert.Equal(t, poller.BusyMessage, err.Error())
	assert.Equal(t, 1, be.Hits(http.MethodPost, "/video/queue"))
}

func TestJobQueue_RejectsBadID(t *testing.T) {
	cmd := newJobCmd()
	cmd.SetArgs([]string{"queue", "abc"})
	assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), "invalid faq id")
}
