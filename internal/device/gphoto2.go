package device

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GPhoto2Driver はgphoto2 CLIを使ってカメラを制御するDriver実装
type GPhoto2Driver struct {
	workDir string // 取得画像の一時保存先
}

// NewGPhoto2Driver は新しいGPhoto2Driverを作成する
func NewGPhoto2Driver(workDir string) (*GPhoto2Driver, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}
	return &GPhoto2Driver{workDir: workDir}, nil
}

// Detect は接続されているカメラデバイスを検出する
func (d *GPhoto2Driver) Detect(ctx context.Context) ([]Identity, error) {
	output, err := d.run(ctx, "--auto-detect")
	if err != nil {
		return nil, err
	}

	return parseAutoDetect(output), nil
}

// Trigger はシャッターを切る
// paramsはそのまま --set-config として渡される
func (d *GPhoto2Driver) Trigger(ctx context.Context, id Identity, params map[string]string) error {
	args := []string{"--port", id.Port}
	for key, value := range params {
		args = append(args, "--set-config", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, "--trigger-capture")

	_, err := d.run(ctx, args...)
	return err
}

// AwaitImage は撮影画像の到着を待ち、ダウンロードしたファイルのパスを返す
func (d *GPhoto2Driver) AwaitImage(ctx context.Context, id Identity, timeout time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := filepath.Join(d.workDir, fmt.Sprintf("capture-%d.%%C", time.Now().UnixNano()))

	_, err := d.run(waitCtx,
		"--port", id.Port,
		"--filename", target,
		"--force-overwrite",
		"--wait-event-and-download=FILEADDED",
	)
	if err != nil {
		return "", err
	}

	// %%C はカメラ側の拡張子に展開されるため、実ファイルをグロブで特定する
	prefix := strings.TrimSuffix(target, ".%C")
	matches, globErr := filepath.Glob(prefix + ".*")
	if globErr != nil || len(matches) == 0 {
		return "", fmt.Errorf("%w: 取得画像ファイルが見つからない", ErrDeviceFault)
	}

	return matches[0], nil
}

// Download は取得済み画像を読み出し、一時ファイルを削除する
func (d *GPhoto2Driver) Download(_ context.Context, _ Identity, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: 画像ファイルの読み出しに失敗: %v", ErrDeviceFault, err)
	}

	// 読み出し済みの一時ファイルは残っていても害はないため削除失敗は無視する
	_ = os.Remove(path)

	return data, nil
}

// run はgphoto2コマンドを実行し、標準出力を返す
func (d *GPhoto2Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gphoto2", args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", classifyExecError(ctx, err, stderr.String())
	}

	return stdout.String(), nil
}

// classifyExecError はgphoto2の実行エラーをエラー種別へ対応付ける
func classifyExecError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: gphoto2が応答しない", ErrDeviceTimeout)
	}
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "could not detect any camera"),
		strings.Contains(lower, "no camera found"),
		strings.Contains(lower, "could not find the requested device"):
		return fmt.Errorf("%w: %s", ErrDeviceAbsent, firstLine(stderr))
	case strings.Contains(lower, "could not claim the usb device"),
		strings.Contains(lower, "device busy"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, firstLine(stderr))
	default:
		return fmt.Errorf("%w: gphoto2の実行に失敗: %v: %s", ErrDeviceFault, err, firstLine(stderr))
	}
}

// parseAutoDetect は `gphoto2 --auto-detect` の出力を解析する
//
// 出力例:
//
//	Model                          Port
//	----------------------------------------------------------
//	Canon EOS 700D                 usb:001,004
func parseAutoDetect(output string) []Identity {
	var devices []Identity

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, " \r")
		if line == "" || strings.HasPrefix(line, "Model") || strings.HasPrefix(line, "---") {
			continue
		}

		idx := strings.LastIndex(line, "usb:")
		if idx < 0 {
			continue
		}

		model := strings.TrimSpace(line[:idx])
		port := strings.TrimSpace(line[idx:])
		if port == "usb:" {
			// ポート番号のないエントリはハブ等のためスキップ
			continue
		}

		devices = append(devices, Identity{Port: port, Model: model})
	}

	return devices
}

// firstLine はエラーメッセージの先頭行のみを返す
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
