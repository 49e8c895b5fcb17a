package device

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor はカメラデバイスの接続/切断を定期スキャンで検出し、
// Registryへホットプラグイベントとして通知する
type Monitor struct {
	registry *Registry
	driver   Driver
	logger   logrus.FieldLogger

	scanInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor は新しいMonitorを作成する
func NewMonitor(registry *Registry, driver Driver, scanInterval time.Duration, logger logrus.FieldLogger) *Monitor {
	return &Monitor{
		registry:     registry,
		driver:       driver,
		logger:       logger.WithField("component", "monitor"),
		scanInterval: scanInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start は監視を開始する。初回スキャンを即時実行した後、
// バックグラウンドで定期スキャンを続ける
func (m *Monitor) Start(ctx context.Context) error {
	// 初回スキャン。起動時の検出失敗は致命的ではない
	if err := m.scan(ctx); err != nil {
		m.logger.WithError(err).Warn("初回デバイススキャンに失敗")
	}

	m.wg.Add(1)
	go m.backgroundScan(ctx)

	return nil
}

// Stop は監視を停止する
func (m *Monitor) Stop(_ context.Context) error {
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *Monitor) backgroundScan(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				m.logger.WithError(err).Warn("デバイススキャンに失敗")
			}
		}
	}
}

// scan は1回のデバイス検出を実行し、前回との差分をイベント化する
func (m *Monitor) scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, m.scanInterval)
	defer cancel()

	devices, err := m.driver.Detect(scanCtx)
	if err != nil {
		return err
	}

	current, attached := m.registry.Current()

	if len(devices) == 0 {
		if attached {
			m.registry.OnDetach(current.Identity)
		}
		return nil
	}

	// 単一デバイス前提のため先頭のデバイスのみを採用する
	found := devices[0]
	if len(devices) > 1 {
		m.logger.WithField("count", len(devices)).Warn("複数のカメラを検出。先頭のみ使用")
	}

	if attached && current.Identity != found {
		// ポートが変わって再接続された等。古いハンドルを先に切断する
		m.registry.OnDetach(current.Identity)
	}

	m.registry.OnAttach(found)
	return nil
}
