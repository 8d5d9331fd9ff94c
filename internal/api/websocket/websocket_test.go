package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type staticAuthorizer struct {
	token string
}

func (a staticAuthorizer) Enabled() bool { return true }

func (a staticAuthorizer) Authorize(token string) ([]auth.Permission, error) {
	if token != a.token {
		return nil, errors.New("bad token")
	}
	return []auth.Permission{auth.PermOperator}, nil
}

func startHub(t *testing.T, authorizer Authorizer) (*Hub, string) {
	t.Helper()

	// connection goroutines may outlive the test, so no zaptest logger here
	core, _ := observer.New(zap.InfoLevel)
	hub := NewHub(zap.New(core), authorizer)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))

	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.GetClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestBroadcastReachesClient(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	msg, ok := FromSafetyEvent(safety.Event{
		Type:     safety.EventSafetyStatusChanged,
		Previous: safety.StatusSafe,
		Current:  safety.StatusDangerous,
	})
	if !ok {
		t.Fatal("status event must convert")
	}
	hub.Broadcast(msg)

	got := readMessage(t, conn)
	if got["type"] != "safety_status" {
		t.Fatalf("message = %v", got)
	}
	data := got["data"].(map[string]interface{})
	if data["status"] != "dangerous" || data["previous_status"] != "safe" {
		t.Fatalf("data = %v", data)
	}
}

func TestTopicSubscription(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "topics": []string{"recipe"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// the subscription is applied asynchronously; keep sending until the
	// filter holds back safety messages
	deadline := time.Now().Add(2 * time.Second)
	for {
		estop, _ := FromSafetyEvent(safety.Event{Type: safety.EventEmergencyStopTriggered, Reason: "button"})
		hub.Broadcast(estop)
		step, _ := FromRecipeEvent(recipe.Event{Type: recipe.EventStepStarted, StepIndex: 2, StepName: "place"})
		hub.Broadcast(step)

		got := readMessage(t, conn)
		if got["type"] == "recipe_step_started" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription filter never applied")
		}
		readMessage(t, conn) // matching recipe message
	}
}

func TestAuthRequired(t *testing.T) {
	hub, url := startHub(t, staticAuthorizer{token: "secret"})

	rejected := dial(t, url)
	if err := rejected.WriteJSON(map[string]string{"type": "auth", "token": "wrong"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, rejected); got["type"] != "auth_failed" {
		t.Fatalf("reply = %v", got)
	}

	accepted := dial(t, url)
	if err := accepted.WriteJSON(map[string]string{"type": "auth", "token": "secret"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, accepted); got["type"] != "auth_success" {
		t.Fatalf("reply = %v", got)
	}
	waitClients(t, hub, 1)
}

func TestFromRecipeEvent(t *testing.T) {
	tests := []struct {
		ev   recipe.Event
		want MessageType
	}{
		{recipe.Event{Type: recipe.EventStateChanged, Current: recipe.StateReady}, MessageTypeRecipeState},
		{recipe.Event{Type: recipe.EventStepStarted}, MessageTypeRecipeStepStarted},
		{recipe.Event{Type: recipe.EventStepCompleted, Success: true}, MessageTypeRecipeStepCompleted},
		{recipe.Event{Type: recipe.EventExecutionCompleted}, MessageTypeRecipeCompleted},
		{recipe.Event{Type: recipe.EventError, Code: recipe.CodeEngineFailure}, MessageTypeRecipeError},
	}

	for _, tt := range tests {
		msg, ok := FromRecipeEvent(tt.ev)
		if !ok || msg.Type != tt.want {
			t.Fatalf("%s -> %s, %v", tt.ev.Type, msg.Type, ok)
		}
		if msg.Type.Topic() != TopicRecipe {
			t.Fatalf("%s topic = %s", msg.Type, msg.Type.Topic())
		}
	}

	msg, _ := FromRecipeEvent(recipe.Event{Type: recipe.EventStepCompleted, Success: false})
	data, _ := json.Marshal(msg.Data)
	if !strings.Contains(string(data), `"success":false`) {
		t.Fatalf("failed step must carry success=false: %s", data)
	}

	if _, ok := FromRecipeEvent(recipe.Event{Type: "unknown"}); ok {
		t.Fatal("unknown event must not convert")
	}
}
