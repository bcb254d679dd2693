package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// startHub serves the hub on an httptest server and returns a dial URL.
func startHub(t *testing.T, h *Hub) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(ctx, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, envType protocol.EnvelopeType, payload any) {
	t.Helper()
	data, err := protocol.Encode(envType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func acceptAll(reg *protocol.Register) (string, bool, error) {
	return protocol.DeriveRunnerID(reg.RunnerName, reg.Token), false, nil
}

func TestHandshakeAndDispatch(t *testing.T) {
	h := New(acceptAll, testLogger(t))

	var mu sync.Mutex
	var received []*protocol.Envelope
	h.SetHandler(func(ctx context.Context, runnerID string, env *protocol.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})

	url := startHub(t, h)
	ws := dial(t, url)

	sendEnvelope(t, ws, protocol.TypeRegister, &protocol.Register{RunnerName: "dev", Token: "tok"})
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeRegistered {
		t.Fatalf("expected registered, got %s", env.Type)
	}
	var reg protocol.Registered
	if err := env.DecodePayload(&reg); err != nil {
		t.Fatalf("decode registered: %v", err)
	}
	if reg.Reclaimed || reg.RunnerID == "" {
		t.Fatalf("unexpected registered payload: %+v", reg)
	}
	if !h.IsConnected(reg.RunnerID) {
		t.Fatal("runner should be connected")
	}

	sendEnvelope(t, ws, protocol.TypeHeartbeat, &protocol.Heartbeat{Sessions: 1})
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("handler never received heartbeat")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Gateway -> runner direction.
	if !h.Send(reg.RunnerID, protocol.TypeSessionStart, &protocol.SessionStart{SessionID: "sess-1"}) {
		t.Fatal("send failed")
	}
	env = readEnvelope(t, ws)
	if env.Type != protocol.TypeSessionStart {
		t.Fatalf("expected session_start, got %s", env.Type)
	}
}

func TestFirstEnvelopeMustRegister(t *testing.T) {
	h := New(acceptAll, testLogger(t))
	url := startHub(t, h)
	ws := dial(t, url)

	sendEnvelope(t, ws, protocol.TypeHeartbeat, &protocol.Heartbeat{})
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
}

func TestRegistrarRejection(t *testing.T) {
	h := New(func(reg *protocol.Register) (string, bool, error) {
		return "", false, context.DeadlineExceeded
	}, testLogger(t))
	url := startHub(t, h)
	ws := dial(t, url)

	sendEnvelope(t, ws, protocol.TypeRegister, &protocol.Register{RunnerName: "dev", Token: "tok"})
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	if len(h.ConnectedRunners()) != 0 {
		t.Fatal("rejected runner should not be registered")
	}
}

func TestReconnectReclaimsConnection(t *testing.T) {
	h := New(func(reg *protocol.Register) (string, bool, error) {
		return "runner_dev_fixed", true, nil
	}, testLogger(t))
	url := startHub(t, h)

	first := dial(t, url)
	sendEnvelope(t, first, protocol.TypeRegister, &protocol.Register{RunnerName: "dev", Token: "tok"})
	if env := readEnvelope(t, first); env.Type != protocol.TypeRegistered {
		t.Fatalf("first connect: %s", env.Type)
	}

	second := dial(t, url)
	sendEnvelope(t, second, protocol.TypeRegister, &protocol.Register{RunnerName: "dev", Token: "tok"})
	env := readEnvelope(t, second)
	if env.Type != protocol.TypeRegistered {
		t.Fatalf("second connect: %s", env.Type)
	}
	var reg protocol.Registered
	_ = env.DecodePayload(&reg)
	if !reg.Reclaimed {
		t.Fatal("expected reclaimed")
	}

	// Sends go to the new socket.
	if !h.Send("runner_dev_fixed", protocol.TypeInterrupt, &protocol.Interrupt{SessionID: "s"}) {
		t.Fatal("send failed after reclaim")
	}
	if env := readEnvelope(t, second); env.Type != protocol.TypeInterrupt {
		t.Fatalf("expected interrupt on new socket, got %s", env.Type)
	}
}
