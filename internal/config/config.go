package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Camera  CameraConfig  `yaml:"camera"`
	Hotplug HotplugConfig `yaml:"hotplug"`
	Admin   AdminConfig   `yaml:"admin"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// StorageConfig は撮影データの保存先設定
type StorageConfig struct {
	SavePath         string `yaml:"save_path"`         // 保存ルートディレクトリ
	PicturesFolder   string `yaml:"pictures_folder"`   // 写真フォルダ名
	ThumbnailsFolder string `yaml:"thumbnails_folder"` // サムネイルフォルダ名
	DatabaseFile     string `yaml:"database_file"`     // SQLiteファイル名

	ThumbnailWidth int `yaml:"thumbnail_width"` // サムネイル幅（高さはアスペクト比から算出）
}

// CameraConfig はカメラと撮影ポリシーの設定
type CameraConfig struct {
	// 撮影パラメータ（カメラにそのまま渡すキー/値。本体は中身を解釈しない）
	Params map[string]string `yaml:"params"`

	// 撮影ポリシー
	AwaitImageTimeout time.Duration `yaml:"await_image_timeout"` // 画像待ちの最大時間
	MaxRetries        int           `yaml:"max_retries"`         // 撮影タイムアウト時の自動リトライ回数
	MaxQueueResidence time.Duration `yaml:"max_queue_residence"` // キュー滞留の最大時間
	QueueCapacity     int           `yaml:"queue_capacity"`      // キューの最大長

	// テスト・開発用にモックドライバーへ切り替える
	UseMockDriver bool `yaml:"use_mock_driver"`
}

// HotplugConfig はデバイス検出の設定
type HotplugConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"` // デバイススキャン間隔
}

// AdminConfig は管理者認証の設定
type AdminConfig struct {
	Username string `yaml:"username"` // 管理者ユーザー名
	Password string `yaml:"password"` // 管理者パスワード
}

// Load は設定を読み込む
// パスが空の場合や省略された項目はデフォルト値で補完する
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// 環境変数による上書き
	if host := os.Getenv("SNAPBOX_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := getEnvAsIntOrDefault("SNAPBOX_PORT", 0); port != 0 {
		cfg.Server.Port = port
	}
	if savePath := os.Getenv("SNAPBOX_SAVE_PATH"); savePath != "" {
		cfg.Storage.SavePath = savePath
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// defaultConfig はデフォルト設定を作成する
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			SavePath:         "/var/lib/snapbox",
			PicturesFolder:   "pictures",
			ThumbnailsFolder: "thumbnails",
			DatabaseFile:     "snapbox.sqlite",
			ThumbnailWidth:   320,
		},
		Camera: CameraConfig{
			Params:            map[string]string{},
			AwaitImageTimeout: 20 * time.Second,
			MaxRetries:        1,
			MaxQueueResidence: 2 * time.Minute,
			QueueCapacity:     32,
		},
		Hotplug: HotplugConfig{
			ScanInterval: 2 * time.Second,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "",
		},
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Storage.SavePath == "" {
		return fmt.Errorf("保存ルートディレクトリが未設定")
	}

	if c.Storage.ThumbnailWidth < 16 || c.Storage.ThumbnailWidth > 1920 {
		return fmt.Errorf("無効なサムネイル幅: %d", c.Storage.ThumbnailWidth)
	}

	if c.Camera.AwaitImageTimeout <= 0 {
		return fmt.Errorf("無効な画像待ちタイムアウト: %v", c.Camera.AwaitImageTimeout)
	}

	if c.Camera.MaxRetries < 0 {
		return fmt.Errorf("無効なリトライ回数: %d", c.Camera.MaxRetries)
	}

	if c.Camera.MaxQueueResidence <= 0 {
		return fmt.Errorf("無効なキュー滞留時間: %v", c.Camera.MaxQueueResidence)
	}

	if c.Camera.QueueCapacity < 1 {
		return fmt.Errorf("無効なキュー容量: %d", c.Camera.QueueCapacity)
	}

	if c.Hotplug.ScanInterval <= 0 {
		return fmt.Errorf("無効なスキャン間隔: %v", c.Hotplug.ScanInterval)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PicturesPath は写真の保存先ディレクトリを返す
func (c *Config) PicturesPath() string {
	return c.Storage.SavePath + "/" + c.Storage.PicturesFolder
}

// ThumbnailsPath はサムネイルの保存先ディレクトリを返す
func (c *Config) ThumbnailsPath() string {
	return c.Storage.SavePath + "/" + c.Storage.ThumbnailsFolder
}

// DatabasePath はSQLiteファイルのパスを返す
func (c *Config) DatabasePath() string {
	return c.Storage.SavePath + "/" + c.Storage.DatabaseFile
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
