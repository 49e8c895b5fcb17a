package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/config"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/store"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config   *config.Config
	logger   logrus.FieldLogger
	arbiter  *capture.Arbiter
	pictures *store.PictureStore
	registry *device.Registry
	hub      *Hub
	auth     *TokenStore

	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, arbiter *capture.Arbiter, pictures *store.PictureStore,
	registry *device.Registry, handoff *capture.Handoff, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	srv := &Server{
		config:   cfg,
		logger:   logger.WithField("component", "server"),
		arbiter:  arbiter,
		pictures: pictures,
		registry: registry,
		hub:      NewHub(registry, handoff, logger),
		auth:     NewTokenStore(cfg.Admin),
		engine:   engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	srv.setupRoutes()
	return srv
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェック・ステータス
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/status", s.handleStatus)

	// 撮影
	s.engine.POST("/api/snap", s.handleSnap)
	s.engine.GET("/api/snap/:id", s.handleSnapStatus)
	s.engine.DELETE("/api/snap/:id", s.handleSnapCancel)

	// 写真
	s.engine.GET("/api/pictures", s.handlePictures)
	s.engine.GET("/api/pictures/:id", s.handlePicture)
	s.engine.DELETE("/api/pictures/:id", s.auth.Middleware(), s.handlePictureDelete)
	s.engine.GET("/assets/:id", s.handleThumbnail)

	// 設定・認証
	s.engine.GET("/api/config", s.handleConfig)
	s.engine.POST("/auth/login", s.handleLogin)

	// WebSocket
	s.engine.GET("/ws/server", s.hub.HandleWebSocket)
}

// Start はサーバーを起動し、コンテキストの終了まで待機する
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.Start(ctx); err != nil {
		return fmt.Errorf("WebSocketハブの起動に失敗: %w", err)
	}

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.ServerAddress()).Info("HTTPサーバーを起動")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキスト終了を検知")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウン中")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 新しいWebSocketアップグレードが届かなくなってからハブを止める
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	if err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーを正常にシャットダウン")
	return nil
}
