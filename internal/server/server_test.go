package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/config"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/store"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type serverHarness struct {
	server   *Server
	registry *device.Registry
	driver   *device.MockDriver
	pictures *store.PictureStore
	handoff  *capture.Handoff
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	ctx := context.Background()
	logger := newTestLogger()
	dir := t.TempDir()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Storage.SavePath = dir
	cfg.Admin.Password = "secret"
	cfg.Camera.AwaitImageTimeout = time.Second

	db, err := store.NewDatabase(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pictures, err := store.NewPictureStore(db, cfg.PicturesPath(), cfg.ThumbnailsPath(),
		cfg.Storage.ThumbnailWidth, logger)
	if err != nil {
		t.Fatalf("NewPictureStore failed: %v", err)
	}

	registry := device.NewRegistry(logger)
	driver := device.NewMockDriver()
	adapter := device.NewAdapter(registry, driver, logger)
	handoff := capture.NewHandoff(pictures, logger)
	pipeline := capture.NewPipeline(adapter, cfg.Camera.AwaitImageTimeout, cfg.Camera.MaxRetries, logger)
	arbiter := capture.NewArbiter(capture.Policy{
		MaxQueueResidence: cfg.Camera.MaxQueueResidence,
		QueueCapacity:     cfg.Camera.QueueCapacity,
	}, registry, pipeline, handoff, logger)

	if err := arbiter.Start(ctx); err != nil {
		t.Fatalf("Arbiter start failed: %v", err)
	}
	t.Cleanup(func() { _ = arbiter.Stop(ctx) })

	srv := New(cfg, arbiter, pictures, registry, handoff, logger)
	return &serverHarness{
		server:   srv,
		registry: registry,
		driver:   driver,
		pictures: pictures,
		handoff:  handoff,
	}
}

func (h *serverHarness) request(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	h.server.engine.ServeHTTP(w, req)

	var parsed map[string]any
	if strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func TestServer_Health(t *testing.T) {
	h := newServerHarness(t)

	w, body := h.request(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestServer_Status(t *testing.T) {
	h := newServerHarness(t)

	w, body := h.request(t, http.MethodGet, "/api/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body["camera_connected"] != false {
		t.Errorf("Expected camera_connected false, got %v", body["camera_connected"])
	}

	h.registry.OnAttach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})

	_, body = h.request(t, http.MethodGet, "/api/status", nil, nil)
	if body["camera_connected"] != true {
		t.Errorf("Expected camera_connected true, got %v", body["camera_connected"])
	}
}

func TestServer_SnapFlow(t *testing.T) {
	h := newServerHarness(t)
	h.registry.OnAttach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})

	// 撮影リクエストの受付
	w, body := h.request(t, http.MethodPost, "/api/snap", []byte(`{"params":{"iso":"400"}}`), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("Expected request id in response")
	}

	// 完了までポーリング
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, status := h.request(t, http.MethodGet, "/api/snap/"+id, nil, nil)
		if status["state"] == string(capture.StateSucceeded) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for success, last state %v", status["state"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 保存は非同期のため、写真一覧に現れるまで待つ
	for {
		w, body = h.request(t, http.MethodGet, "/api/pictures", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if body["total"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for picture, total %v", body["total"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	pictures := body["pictures"].([]any)
	pictureID := pictures[0].(map[string]any)["id"].(string)

	// 画像データとサムネイルの取得
	w, _ = h.request(t, http.MethodGet, "/api/pictures/"+pictureID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for picture data, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != "mock-image-data" {
		t.Errorf("Unexpected picture data: %q", w.Body.String())
	}

	w, _ = h.request(t, http.MethodGet, "/assets/"+pictureID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for thumbnail, got %d", w.Code)
	}
}

func TestServer_SnapStatusNotFound(t *testing.T) {
	h := newServerHarness(t)

	w, _ := h.request(t, http.MethodGet, "/api/snap/no-such-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestServer_SnapCancel(t *testing.T) {
	h := newServerHarness(t)

	// デバイス不在のままキューに留まる
	w, body := h.request(t, http.MethodPost, "/api/snap", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	id := body["id"].(string)

	w, _ = h.request(t, http.MethodDelete, "/api/snap/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for cancel, got %d", w.Code)
	}

	_, status := h.request(t, http.MethodGet, "/api/snap/"+id, nil, nil)
	if status["state"] != string(capture.StateCancelled) {
		t.Errorf("Expected cancelled state, got %v", status["state"])
	}

	// 存在しないリクエストのキャンセル
	w, _ = h.request(t, http.MethodDelete, "/api/snap/no-such-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestServer_CancelTooLate(t *testing.T) {
	h := newServerHarness(t)
	h.registry.OnAttach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})
	h.driver.SetAwaitDelay(300 * time.Millisecond)

	_, body := h.request(t, http.MethodPost, "/api/snap", nil, nil)
	id := body["id"].(string)

	// 実行許可を待つ
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status := h.request(t, http.MethodGet, "/api/snap/"+id, nil, nil)
		if status["state"] != string(capture.StateQueued) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for admission")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w, _ := h.request(t, http.MethodDelete, "/api/snap/"+id, nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
}

func TestServer_Config(t *testing.T) {
	h := newServerHarness(t)

	w, body := h.request(t, http.MethodGet, "/api/config", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body["camera_connected"] != false {
		t.Errorf("Expected camera_connected false, got %v", body["camera_connected"])
	}
	if _, exists := body["policies"]; !exists {
		t.Error("Expected policies in config")
	}
	if _, exists := body["camera"]; exists {
		t.Error("Expected no camera info while disconnected")
	}

	h.registry.OnAttach(device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"})

	_, body = h.request(t, http.MethodGet, "/api/config", nil, nil)
	camera, _ := body["camera"].(map[string]any)
	if camera == nil || camera["model"] != "Canon EOS 1300D" {
		t.Errorf("Expected camera info, got %v", body["camera"])
	}
}

func TestServer_Login(t *testing.T) {
	h := newServerHarness(t)

	// 不正な認証情報
	w, _ := h.request(t, http.MethodPost, "/auth/login",
		[]byte(`{"username":"admin","password":"wrong"}`), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}

	// ボディ不足
	w, _ = h.request(t, http.MethodPost, "/auth/login", []byte(`{"username":"admin"}`), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}

	// 正しい認証情報
	w, body := h.request(t, http.MethodPost, "/auth/login",
		[]byte(`{"username":"admin","password":"secret"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if token, _ := body["token"].(string); token == "" {
		t.Error("Expected token in response")
	}
}

func TestServer_PictureDeleteRequiresAuth(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)

	// 削除対象の写真を用意する
	pictureID, err := h.pictures.SavePicture(ctx, &capture.Result{
		RequestID: "req-001",
		Data:      []byte("jpeg-bytes"),
		TakenAt:   time.Now(),
		Device:    device.Identity{Port: "usb:001,004", Model: "Canon EOS 1300D"},
	})
	if err != nil {
		t.Fatalf("SavePicture failed: %v", err)
	}

	// 認証なしは拒否される
	w, _ := h.request(t, http.MethodDelete, "/api/pictures/"+pictureID, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}

	// 無効なトークンも拒否される
	w, _ = h.request(t, http.MethodDelete, "/api/pictures/"+pictureID, nil,
		map[string]string{"Authorization": "Bearer bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for bogus token, got %d", w.Code)
	}

	// ログインして削除
	_, body := h.request(t, http.MethodPost, "/auth/login",
		[]byte(`{"username":"admin","password":"secret"}`), nil)
	token := body["token"].(string)

	w, _ = h.request(t, http.MethodDelete, "/api/pictures/"+pictureID, nil,
		map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w, _ = h.request(t, http.MethodGet, "/api/pictures/"+pictureID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestServer_PictureNotFound(t *testing.T) {
	h := newServerHarness(t)

	w, _ := h.request(t, http.MethodGet, "/api/pictures/no-such-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	w, _ = h.request(t, http.MethodGet, "/assets/no-such-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}
