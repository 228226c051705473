package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/swarm-blackjack/gateway-fabric/internal/wsbus"
)

func dialWS(t *testing.T, server *httptest.Server, path string) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v, data=%s", err, data)
	}
	return frame
}

func TestWSHandshakeAuthenticateAndSubscribe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)
	gw.WithWSBus(wsbus.New(nil), "test-instance")

	server := httptest.NewServer(gw.Mux())
	defer server.Close()

	conn := dialWS(t, server, "/ws?connection_id=c1")
	defer conn.Close()

	established := readFrame(t, conn)
	if established["type"] != "connection_established" {
		t.Fatalf("first frame = %+v, want connection_established", established)
	}

	tok, err := gw.Auth.IssueAccessToken("u1", "alice", []string{"admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "authenticate", "token": tok}); err != nil {
		t.Fatalf("WriteJSON authenticate: %v", err)
	}
	authResp := readFrame(t, conn)
	if authResp["type"] != "auth_success" {
		t.Fatalf("auth response = %+v, want auth_success", authResp)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "user:u1"}); err != nil {
		t.Fatalf("WriteJSON subscribe: %v", err)
	}
	subResp := readFrame(t, conn)
	if subResp["type"] != "subscription_confirmed" || subResp["topic"] != "user:u1" {
		t.Fatalf("subscribe response = %+v, want subscription_confirmed for user:u1", subResp)
	}
}

func TestWSSubscribeDeniedWithoutAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)
	gw.WithWSBus(wsbus.New(nil), "test-instance")

	server := httptest.NewServer(gw.Mux())
	defer server.Close()

	conn := dialWS(t, server, "/ws")
	defer conn.Close()
	readFrame(t, conn) // connection_established

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "user:42"}); err != nil {
		t.Fatalf("WriteJSON subscribe: %v", err)
	}
	resp := readFrame(t, conn)
	if resp["type"] != "error" {
		t.Fatalf("response = %+v, want error frame for unauthenticated private-topic subscribe", resp)
	}
}

func TestWSPublishFansOutWithoutEcho(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)
	gw.WithWSBus(wsbus.New(nil), "test-instance")

	server := httptest.NewServer(gw.Mux())
	defer server.Close()

	sender := dialWS(t, server, "/ws?connection_id=sender")
	defer sender.Close()
	readFrame(t, sender) // connection_established
	receiver := dialWS(t, server, "/ws?connection_id=receiver")
	defer receiver.Close()
	readFrame(t, receiver) // connection_established

	for _, conn := range []*gorillaws.Conn{sender, receiver} {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "general"}); err != nil {
			t.Fatalf("WriteJSON subscribe: %v", err)
		}
		if resp := readFrame(t, conn); resp["type"] != "subscription_confirmed" {
			t.Fatalf("subscribe response = %+v, want subscription_confirmed", resp)
		}
	}

	if err := sender.WriteJSON(map[string]interface{}{"type": "publish", "topic": "general", "payload": map[string]string{"hello": "world"}}); err != nil {
		t.Fatalf("WriteJSON publish: %v", err)
	}

	msg := readFrame(t, receiver)
	if msg["type"] != "topic_message" || msg["topic"] != "general" {
		t.Fatalf("receiver frame = %+v, want topic_message on general", msg)
	}
	if msg["id"] == "" || msg["id"] == nil {
		t.Fatalf("topic_message missing id: %+v", msg)
	}

	// the sender must not receive its own publish back
	sender.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := sender.ReadMessage(); err == nil {
		t.Fatalf("sender received echo of own publish: %s", data)
	}
}

func TestWSUnknownMessageTypeReturnsError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, upstream, 100)
	gw.WithWSBus(wsbus.New(nil), "test-instance")

	server := httptest.NewServer(gw.Mux())
	defer server.Close()

	conn := dialWS(t, server, "/ws")
	defer conn.Close()
	readFrame(t, conn) // connection_established

	if err := conn.WriteJSON(map[string]string{"type": "not_a_real_type"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	resp := readFrame(t, conn)
	if resp["type"] != "error" {
		t.Fatalf("response = %+v, want error frame for unknown type", resp)
	}
}
