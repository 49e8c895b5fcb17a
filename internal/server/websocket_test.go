package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
)

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func TestHub_CameraStateBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)

	if err := h.server.hub.Start(ctx); err != nil {
		t.Fatalf("Hub start failed: %v", err)
	}
	t.Cleanup(h.server.hub.Stop)

	ts := httptest.NewServer(h.server.engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/server"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// 接続直後に現在のカメラ状態が届く
	msg := readMessage(t, conn)
	if msg.Mutation != "camera/setIsConnected" {
		t.Fatalf("Expected camera state mutation, got %s", msg.Mutation)
	}
	if msg.Value != false {
		t.Errorf("Expected disconnected state, got %v", msg.Value)
	}

	// 接続イベントが配信される
	h.registry.OnAttach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})

	msg = readMessage(t, conn)
	if msg.Mutation != "camera/setIsConnected" {
		t.Fatalf("Expected camera state mutation, got %s", msg.Mutation)
	}
	if msg.Value != true {
		t.Errorf("Expected connected state, got %v", msg.Value)
	}

	// 切断イベントも配信される
	h.registry.OnDetach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})

	msg = readMessage(t, conn)
	if msg.Value != false {
		t.Errorf("Expected disconnected state, got %v", msg.Value)
	}
}

func TestHub_RejectsConnectionAfterStop(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)

	if err := h.server.hub.Start(ctx); err != nil {
		t.Fatalf("Hub start failed: %v", err)
	}
	h.server.hub.Stop()

	ts := httptest.NewServer(h.server.engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/server"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// アップグレード自体の拒否も停止済みとして正しい
		return
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// 停止済みのハブは接続を登録せず即座に閉じる
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected connection to be closed after hub stop")
	}
}

func TestHub_CompletionBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)

	if err := h.server.hub.Start(ctx); err != nil {
		t.Fatalf("Hub start failed: %v", err)
	}
	t.Cleanup(h.server.hub.Stop)

	ts := httptest.NewServer(h.server.engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/server"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// 初期状態メッセージを読み捨てる
	readMessage(t, conn)

	// 完了通知が配信される
	h.handoff.NotifyTerminal("req-001", capture.StateFailed, capture.CauseDeviceLost)

	msg := readMessage(t, conn)
	if msg.Mutation != "capture/setLastCompletion" {
		t.Fatalf("Expected completion mutation, got %s", msg.Mutation)
	}
	value, _ := msg.Value.(map[string]any)
	if value == nil || value["request_id"] != "req-001" {
		t.Errorf("Unexpected completion payload: %v", msg.Value)
	}
}
