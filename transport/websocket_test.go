package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocket_Echo(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})

	d := NewWebSocketDialer(WebSocketConfig{})
	conn, err := d.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close(CloseDisposed, "")

	require.NoError(t, conn.WriteMessage([]byte(`["REQ","sub:0",{}]`)))
	got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `["REQ","sub:0",{}]`, string(got))
}

func TestWebSocket_ServerCloseCode(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseDontRetry, "go away"),
			time.Now().Add(time.Second),
		)
		time.Sleep(50 * time.Millisecond)
	})

	d := NewWebSocketDialer(WebSocketConfig{})
	conn, err := d.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close(CloseDisposed, "")

	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, CloseDontRetry, CloseCode(err))
}

func TestWebSocket_WriteAfterClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	d := NewWebSocketDialer(WebSocketConfig{})
	conn, err := d.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)

	require.NoError(t, conn.Close(CloseIdle, "idle"))
	assert.ErrorIs(t, conn.WriteMessage([]byte("x")), ErrClosed)
	// second close is a no-op
	assert.NoError(t, conn.Close(CloseIdle, "idle"))
}

func TestWebSocket_DialFailure(t *testing.T) {
	d := NewWebSocketDialer(WebSocketConfig{HandshakeTimeout: 200 * time.Millisecond})
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1")
	assert.Error(t, err)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, CloseAbnormal, CloseCode(assert.AnError))
	assert.Equal(t, 4000, CloseCode(&CloseError{Code: 4000}))
	assert.Contains(t, (&CloseError{Code: 4000, Reason: "bye"}).Error(), "4000")
}
