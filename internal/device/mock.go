package device

import (
	"context"
	"sync"
	"time"
)

// MockDriver はテスト用のDriver実装
// 各操作の失敗や遅延を外部から注入できる
type MockDriver struct {
	mu sync.Mutex

	// 検出結果
	devices []Identity

	// テスト制御用
	triggerErr    error
	awaitErr      error
	awaitDelay    time.Duration
	awaitErrOnce  bool // trueの場合、awaitErrは1回だけ返す
	downloadErr   error
	downloadData  []byte
	triggerCalls  int
	awaitCalls    int
	downloadCalls int

	// 同時実行の観測用
	inFlight    int
	maxInFlight int
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver(devices ...Identity) *MockDriver {
	return &MockDriver{
		devices:      devices,
		downloadData: []byte("mock-image-data"),
	}
}

// Detect は設定済みのデバイス一覧を返す
func (m *MockDriver) Detect(_ context.Context) ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Identity, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// Trigger はシャッター操作を模擬する
func (m *MockDriver) Trigger(_ context.Context, _ Identity, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.triggerCalls++
	return m.triggerErr
}

// AwaitImage は画像待ちを模擬する
func (m *MockDriver) AwaitImage(ctx context.Context, _ Identity, timeout time.Duration) (string, error) {
	m.mu.Lock()
	m.awaitCalls++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	err := m.awaitErr
	if m.awaitErrOnce {
		m.awaitErr = nil
		m.awaitErrOnce = false
	}
	delay := m.awaitDelay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ErrDeviceTimeout
		}
		if delay >= timeout {
			return "", ErrDeviceTimeout
		}
	}

	if err != nil {
		return "", err
	}
	return "mock://image", nil
}

// Download は画像取得を模擬する
func (m *MockDriver) Download(_ context.Context, _ Identity, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.downloadCalls++
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}

	data := make([]byte, len(m.downloadData))
	copy(data, m.downloadData)
	return data, nil
}

// SetDevices は検出されるデバイス一覧を差し替える
func (m *MockDriver) SetDevices(devices ...Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// SetTriggerError はTriggerで返すエラーを設定する
func (m *MockDriver) SetTriggerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerErr = err
}

// SetAwaitError はAwaitImageで返すエラーを設定する
// onceがtrueの場合は次の1回だけエラーを返す
func (m *MockDriver) SetAwaitError(err error, once bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitErr = err
	m.awaitErrOnce = once
}

// SetAwaitDelay はAwaitImageの応答遅延を設定する
func (m *MockDriver) SetAwaitDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitDelay = delay
}

// SetDownloadError はDownloadで返すエラーを設定する
func (m *MockDriver) SetDownloadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErr = err
}

// SetDownloadData はDownloadで返す画像データを設定する
func (m *MockDriver) SetDownloadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadData = data
}

// TriggerCalls はTriggerの呼び出し回数を返す
func (m *MockDriver) TriggerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggerCalls
}

// AwaitCalls はAwaitImageの呼び出し回数を返す
func (m *MockDriver) AwaitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaitCalls
}

// DownloadCalls はDownloadの呼び出し回数を返す
func (m *MockDriver) DownloadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadCalls
}

// MaxInFlight はAwaitImageの最大同時実行数を返す
func (m *MockDriver) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}
