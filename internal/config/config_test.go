package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.SavePath != "/var/lib/snapbox" {
		t.Errorf("Expected default save path /var/lib/snapbox, got %s", cfg.Storage.SavePath)
	}
	if cfg.Camera.AwaitImageTimeout != 20*time.Second {
		t.Errorf("Expected default await timeout 20s, got %v", cfg.Camera.AwaitImageTimeout)
	}
	if cfg.Camera.MaxRetries != 1 {
		t.Errorf("Expected default max retries 1, got %d", cfg.Camera.MaxRetries)
	}
	if cfg.Camera.QueueCapacity != 32 {
		t.Errorf("Expected default queue capacity 32, got %d", cfg.Camera.QueueCapacity)
	}
	if cfg.Hotplug.ScanInterval != 2*time.Second {
		t.Errorf("Expected default scan interval 2s, got %v", cfg.Hotplug.ScanInterval)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `server:
  host: 127.0.0.1
  port: 9000
storage:
  save_path: /tmp/snapbox-test
camera:
  params:
    iso: "400"
    aperture: "5.6"
  await_image_timeout: 5s
  max_queue_residence: 30s
admin:
  username: booth
  password: secret
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Storage.SavePath != "/tmp/snapbox-test" {
		t.Errorf("Expected save path /tmp/snapbox-test, got %s", cfg.Storage.SavePath)
	}
	if cfg.Camera.Params["iso"] != "400" || cfg.Camera.Params["aperture"] != "5.6" {
		t.Errorf("Unexpected camera params: %v", cfg.Camera.Params)
	}
	if cfg.Camera.AwaitImageTimeout != 5*time.Second {
		t.Errorf("Expected await timeout 5s, got %v", cfg.Camera.AwaitImageTimeout)
	}
	if cfg.Camera.MaxQueueResidence != 30*time.Second {
		t.Errorf("Expected queue residence 30s, got %v", cfg.Camera.MaxQueueResidence)
	}
	if cfg.Admin.Username != "booth" || cfg.Admin.Password != "secret" {
		t.Errorf("Unexpected admin config: %+v", cfg.Admin)
	}

	// 未指定の項目はデフォルト値のまま
	if cfg.Storage.ThumbnailWidth != 320 {
		t.Errorf("Expected default thumbnail width 320, got %d", cfg.Storage.ThumbnailWidth)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SNAPBOX_HOST", "192.168.1.10")
	t.Setenv("SNAPBOX_PORT", "8888")
	t.Setenv("SNAPBOX_SAVE_PATH", "/mnt/usb/snapbox")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "192.168.1.10" {
		t.Errorf("Expected host 192.168.1.10, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Expected port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Storage.SavePath != "/mnt/usb/snapbox" {
		t.Errorf("Expected save path /mnt/usb/snapbox, got %s", cfg.Storage.SavePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "デフォルト設定は妥当",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "無効なポート番号",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "保存先が未設定",
			mutate:  func(c *Config) { c.Storage.SavePath = "" },
			wantErr: true,
		},
		{
			name:    "サムネイル幅が小さすぎる",
			mutate:  func(c *Config) { c.Storage.ThumbnailWidth = 8 },
			wantErr: true,
		},
		{
			name:    "画像待ちタイムアウトが0",
			mutate:  func(c *Config) { c.Camera.AwaitImageTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "リトライ回数が負",
			mutate:  func(c *Config) { c.Camera.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "キュー容量が0",
			mutate:  func(c *Config) { c.Camera.QueueCapacity = 0 },
			wantErr: true,
		},
		{
			name:    "スキャン間隔が0",
			mutate:  func(c *Config) { c.Hotplug.ScanInterval = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage.SavePath = "/data/snapbox"

	if got := cfg.PicturesPath(); got != "/data/snapbox/pictures" {
		t.Errorf("Unexpected pictures path: %s", got)
	}
	if got := cfg.ThumbnailsPath(); got != "/data/snapbox/thumbnails" {
		t.Errorf("Unexpected thumbnails path: %s", got)
	}
	if got := cfg.DatabasePath(); got != "/data/snapbox/snapbox.sqlite" {
		t.Errorf("Unexpected database path: %s", got)
	}
	if got := cfg.ServerAddress(); got != "0.0.0.0:8080" {
		t.Errorf("Unexpected server address: %s", got)
	}
}
