package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	methods []string
	bodies  []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	method := parts[len(parts)-1]

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Edit","username":"edit_bot"}}`))
	case "sendPhoto", "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":123,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newTestTelegram(t *testing.T) (*Telegram, *fakeBotAPI) {
	t.Helper()
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramOptions{
		Token:    "test-token",
		Endpoint: srv.URL + "/bot%s/%s",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return tg, fake
}

func TestTelegram_SendArtifact(t *testing.T) {
	tg, fake := newTestTelegram(t)

	err := tg.SendArtifact(context.Background(), "123", "out.png", []byte("png-bytes"), "Your edit is ready.")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, []string{"getMe", "sendPhoto"}, fake.methods)
	assert.Contains(t, fake.bodies[1], "png-bytes")
	assert.Contains(t, fake.bodies[1], "Your edit is ready.")
}

func TestTelegram_SendText(t *testing.T) {
	tg, fake := newTestTelegram(t)

	require.NoError(t, tg.SendText(context.Background(), "123", "Sorry."))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "sendMessage", fake.methods[len(fake.methods)-1])
	assert.Contains(t, fake.bodies[len(fake.bodies)-1], "Sorry.")
}

func TestTelegram_InvalidAddress(t *testing.T) {
	tg, _ := newTestTelegram(t)

	err := tg.SendText(context.Background(), "not-a-chat", "hi")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chat id")
}

func TestLog_RecordsDeliveries(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.SendArtifact(context.Background(), "123", "out.png", []byte("xx"), "cap"))
	require.NoError(t, n.SendText(context.Background(), "123", "hello"))

	out := buf.String()
	assert.Contains(t, out, "filename=out.png")
	assert.Contains(t, out, "bytes=2")
	assert.Contains(t, out, "text=hello")
}
