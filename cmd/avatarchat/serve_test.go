package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/normanking/avatarchat/internal/config"
	"github.com/normanking/avatarchat/internal/hub"
	"github.com/normanking/avatarchat/internal/logging"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	var buf bytes.Buffer
	log, err := logging.New(&logging.Config{Level: logging.LevelDebug, Output: &buf})
	require.NoError(t, err)
	return log
}

func TestNewStore_Drivers(t *testing.T) {
	log := testLogger(t)
	mr := miniredis.RunT(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  config.SessionConfig
	}{
		{"memory", config.SessionConfig{Driver: "memory"}},
		{"file", config.SessionConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "session.json")}},
		{"redis", config.SessionConfig{Driver: "redis", RedisAddr: mr.Addr(), Namespace: "cli"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := newStore(&tt.cfg, log)
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Set(ctx, "chatbot_id", "3"))
			v, ok, err := store.Get(ctx, "chatbot_id")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "3", v)
		})
	}

	_, err := newStore(&config.SessionConfig{Driver: "sqlite"}, log)
	assert.ErrorIs(t, err, session.ErrInvalidStoreType)
}

func TestBuildApp_RendererAttaches(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session = config.SessionConfig{Driver: "memory"}
	cfg.Backend.BaseURL = "http://127.0.0.1:1"
	cfg.Backend.Timeout = 100 * time.Millisecond

	a, err := buildApp(cfg, testLogger(t))
	require.NoError(t, err)
	srv := httptest.NewServer(a.hub)
	t.Cleanup(func() {
		srv.Close()
		a.shutdown(context.Background())
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// The backend is unreachable, so toggling the mic is the only command
	// that reaches the renderer without a bot.
	require.NoError(t, conn.WriteJSON(hub.Inbound{Type: hub.MsgMicToggle}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var cmd hub.Command
	for cmd.Type != hub.CmdMicStart {
		require.NoError(t, conn.ReadJSON(&cmd))
	}
	assert.Equal(t, hub.CmdMicStart, cmd.Type)
}
