package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/store"
)

// snapRequest は撮影APIのリクエストボディ
type snapRequest struct {
	// カメラへそのまま渡す撮影パラメータ。設定ファイルの既定値を上書きする
	Params map[string]string `json:"params"`
}

// loginRequest はログインAPIのリクエストボディ
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	_, connected := s.registry.Current()

	count, err := s.pictures.CountPictures(c.Request.Context())
	if err != nil {
		count = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "running",
		"camera_connected": connected,
		"pictures":         count,
		"timestamp":        time.Now(),
	})
}

// handleSnap は撮影リクエストを受け付ける
func (s *Server) handleSnap(c *gin.Context) {
	var body snapRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正"})
			return
		}
	}

	// 設定の既定パラメータにリクエストのパラメータを重ねる
	params := make(map[string]string, len(s.config.Camera.Params)+len(body.Params))
	for key, value := range s.config.Camera.Params {
		params[key] = value
	}
	for key, value := range body.Params {
		params[key] = value
	}

	snap, err := s.arbiter.Submit(c.Request.Context(), params)
	if err != nil {
		if errors.Is(err, capture.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "撮影キューが満杯"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "撮影リクエストの受付に失敗"})
		return
	}

	c.JSON(http.StatusAccepted, snap)
}

// handleSnapStatus は撮影リクエストの状態を返す
func (s *Server) handleSnapStatus(c *gin.Context) {
	snap, err := s.arbiter.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "リクエストが見つからない"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleSnapCancel は撮影リクエストをキャンセルする
func (s *Server) handleSnapCancel(c *gin.Context) {
	err := s.arbiter.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	case errors.Is(err, capture.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "リクエストが見つからない"})
	case errors.Is(err, capture.ErrCancellationTooLate):
		c.JSON(http.StatusConflict, gin.H{"error": "キャンセルできる段階を過ぎている"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "キャンセルに失敗"})
	}
}

// handlePictures は写真一覧を返す
func (s *Server) handlePictures(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)

	pictures, err := s.pictures.ListPictures(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写真一覧の取得に失敗"})
		return
	}

	count, err := s.pictures.CountPictures(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写真件数の取得に失敗"})
		return
	}

	if pictures == nil {
		pictures = []store.Picture{}
	}
	c.JSON(http.StatusOK, gin.H{
		"pictures": pictures,
		"total":    count,
	})
}

// handlePicture は写真の画像データを返す
func (s *Server) handlePicture(c *gin.Context) {
	data, err := s.pictures.PictureData(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrPictureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "写真が見つからない"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写真の読み出しに失敗"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handlePictureDelete は写真を削除する（要認証）
func (s *Server) handlePictureDelete(c *gin.Context) {
	err := s.pictures.DeletePicture(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, store.ErrPictureNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "写真が見つからない"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写真の削除に失敗"})
	}
}

// handleThumbnail はサムネイルの画像データを返す
func (s *Server) handleThumbnail(c *gin.Context) {
	data, err := s.pictures.ThumbnailData(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrPictureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "写真が見つからない"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "サムネイルの読み出しに失敗"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleConfig は公開可能な実行時設定を返す
func (s *Server) handleConfig(c *gin.Context) {
	handle, connected := s.registry.Current()

	info := gin.H{
		"camera_connected": connected,
		"capture_params":   s.config.Camera.Params,
		"policies": gin.H{
			"await_image_timeout": s.config.Camera.AwaitImageTimeout.String(),
			"max_retries":         s.config.Camera.MaxRetries,
			"max_queue_residence": s.config.Camera.MaxQueueResidence.String(),
			"queue_capacity":      s.config.Camera.QueueCapacity,
		},
	}
	if connected {
		info["camera"] = gin.H{
			"port":  handle.Identity.Port,
			"model": handle.Identity.Model,
		}
	}

	c.JSON(http.StatusOK, info)
}

// handleLogin は管理者ログインを処理する
func (s *Server) handleLogin(c *gin.Context) {
	var body loginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "認証情報が不正"})
		return
	}

	token, err := s.auth.Issue(body.Username, body.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "認証に失敗"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// parseIntQuery はクエリパラメータを整数として取得する
func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	value := c.Query(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return defaultValue
	}
	return parsed
}
