package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
)

// wsMessage はWebSocketで配信する状態更新メッセージ
type wsMessage struct {
	Event    string `json:"event"`
	Type     string `json:"type"`
	Mutation string `json:"mutation"`
	Value    any    `json:"value"`
}

// Hub はWebSocketクライアントへの状態配信を管理する
// カメラ接続状態の変化と撮影の完了をすべての接続へプッシュする
type Hub struct {
	registry *device.Registry
	handoff  *capture.Handoff
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	stopped bool       // trueになった後の新規接続は受け付けない
	writeMu sync.Mutex // gorilla/websocketは並行書き込み不可のため直列化する

	deviceEvents chan device.Event
	completions  chan capture.Completion
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewHub は新しいHubを作成する
func NewHub(registry *device.Registry, handoff *capture.Handoff, logger logrus.FieldLogger) *Hub {
	return &Hub{
		registry: registry,
		handoff:  handoff,
		logger:   logger.WithField("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 撮影ブース内のローカルUIからの接続を想定
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start は配信ループを開始する
func (h *Hub) Start(ctx context.Context) error {
	h.deviceEvents = h.registry.Subscribe()
	h.completions = h.handoff.Subscribe()

	h.wg.Add(1)
	go h.broadcastLoop(ctx)
	return nil
}

// Stop は配信ループを停止し、全接続を閉じる
func (h *Hub) Stop() {
	// 新規登録を締め切り、読み取りループを終わらせるために全接続を閉じる。
	// 停止フラグと登録は同じロックで守られるため、wg.Wait後にwg.Addが
	// 呼ばれることはない
	h.mu.Lock()
	h.stopped = true
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	close(h.stopCh)
	h.wg.Wait()
	h.registry.Unsubscribe(h.deviceEvents)
	h.handoff.Unsubscribe(h.completions)
}

// HandleWebSocket は新しいWebSocket接続を受け付ける
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocketアップグレードに失敗")
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	// 接続直後に現在のカメラ接続状態を送る
	_, connected := h.registry.Current()
	h.send(conn, cameraStateMessage(connected))

	// 切断検知のための読み取りループ
	go func() {
		defer h.wg.Done()
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcastLoop はデバイスイベントと完了通知を全接続へ配信する
func (h *Hub) broadcastLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return

		case ev, ok := <-h.deviceEvents:
			if !ok {
				return
			}
			switch ev.Type {
			case device.EventAttached:
				h.broadcast(cameraStateMessage(true))
			case device.EventDetached, device.EventFaulted:
				h.broadcast(cameraStateMessage(false))
			}

		case completion, ok := <-h.completions:
			if !ok {
				return
			}
			h.broadcast(wsMessage{
				Event:    "update",
				Type:     "state",
				Mutation: "capture/setLastCompletion",
				Value:    completion,
			})
		}
	}
}

// broadcast は全クライアントへメッセージを送信する
func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.send(conn, msg)
	}
}

// send は1クライアントへメッセージを送信する。失敗した接続は除去する
func (h *Hub) send(conn *websocket.Conn, msg wsMessage) {
	h.writeMu.Lock()
	err := conn.WriteJSON(msg)
	h.writeMu.Unlock()
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket送信に失敗。接続を除去")
		h.remove(conn)
	}
}

// remove はクライアントを管理対象から外す
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

// cameraStateMessage はカメラ接続状態の更新メッセージを生成する
func cameraStateMessage(connected bool) wsMessage {
	return wsMessage{
		Event:    "update",
		Type:     "state",
		Mutation: "camera/setIsConnected",
		Value:    connected,
	}
}
