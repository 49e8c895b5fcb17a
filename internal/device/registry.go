package device

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry は現在接続されているカメラデバイスのハンドルを管理する
// 同時に存在するハンドルは最大1つで、ホットプラグイベントにより更新される
type Registry struct {
	logger logrus.FieldLogger

	mu     sync.RWMutex
	handle *Handle // nilの場合はデバイス不在
	subs   []chan Event
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		logger: logger.WithField("component", "registry"),
	}
}

// OnAttach はデバイス接続イベントを処理する
// 同一デバイスの重複通知は無視する（冪等）
func (r *Registry) OnAttach(id Identity) {
	r.mu.Lock()

	if r.handle != nil {
		if r.handle.Identity == id && r.handle.State != StateFaulted {
			// 重複通知。最終確認時刻のみ更新する
			r.handle.LastSeen = time.Now()
			r.mu.Unlock()
			return
		}

		// フォルト済みハンドルの再接続は通常の復旧経路。
		// それ以外の未切断ハンドルの置き換えは異常として記録する
		if r.handle.State == StateFaulted {
			r.logger.WithField("port", r.handle.Identity.Port).Info("フォルト済みデバイスを再接続")
		} else {
			r.logger.WithFields(logrus.Fields{
				"old_port": r.handle.Identity.Port,
				"new_port": id.Port,
			}).Warn("未切断のデバイスを置き換え")
		}
		old := r.handle.Identity
		r.handle = nil
		r.publishLocked(Event{Type: EventDetached, Identity: old})
	}

	r.handle = &Handle{
		Identity: id,
		State:    StateAttached,
		LastSeen: time.Now(),
	}
	r.logger.WithFields(logrus.Fields{
		"port":  id.Port,
		"model": id.Model,
	}).Info("デバイスを接続")

	r.publishLocked(Event{Type: EventAttached, Identity: id})
	r.mu.Unlock()
}

// OnDetach はデバイス切断イベントを処理する
// 未知のデバイスや二重の切断通知は無視する（冪等・順序乱れ耐性）
func (r *Registry) OnDetach(id Identity) {
	r.mu.Lock()

	if r.handle == nil || r.handle.Identity != id {
		// 既に置き換え済みのデバイスへの遅延通知など
		r.mu.Unlock()
		return
	}

	// 撮影操作中の切断はフォルトを先に通知し、Arbiterが
	// 切断処理よりも先に障害を観測できるようにする
	if r.handle.State == StateBusy {
		r.handle.State = StateFaulted
		r.logger.WithField("port", id.Port).Warn("操作中のデバイスが切断")
		r.publishLocked(Event{Type: EventFaulted, Identity: id})
	}

	r.handle = nil
	r.logger.WithField("port", id.Port).Info("デバイスを切断")
	r.publishLocked(Event{Type: EventDetached, Identity: id})
	r.mu.Unlock()
}

// MarkFaulted は回復不能なI/O障害をハンドルに記録する
// 該当デバイスが既に存在しない場合は何もしない
func (r *Registry) MarkFaulted(id Identity) {
	r.mu.Lock()

	if r.handle == nil || r.handle.Identity != id || r.handle.State == StateFaulted {
		r.mu.Unlock()
		return
	}

	r.handle.State = StateFaulted
	r.logger.WithField("port", id.Port).Error("デバイス障害を記録")
	r.publishLocked(Event{Type: EventFaulted, Identity: id})
	r.mu.Unlock()
}

// Current は現在のハンドルを返す
// デバイスが存在しない場合は第2戻り値がfalseになる
func (r *Registry) Current() (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.handle == nil {
		return Handle{}, false
	}
	return *r.handle, true
}

// Subscribe はデバイスイベントの購読チャンネルを返す
// 購読者は不要になったらUnsubscribeで解除する
func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, 32)
	r.subs = append(r.subs, ch)
	return ch
}

// Unsubscribe はイベント購読を解除する
func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publishLocked は全購読者へイベントを配信する（ロック済み前提）
// 購読者のバッファが溢れた場合は最も古いイベントを破棄して入れ替える
func (r *Registry) publishLocked(ev Event) {
	for _, sub := range r.subs {
		select {
		case sub <- ev:
		default:
			select {
			case <-sub:
			default:
			}
			sub <- ev
			r.logger.Warn("イベントバッファが溢れたため古いイベントを破棄")
		}
	}
}

// acquireBusy はハンドルをBusy状態へ遷移させる
// Adapterの排他取得からのみ呼ばれる
func (r *Registry) acquireBusy(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == nil || r.handle.Identity != id {
		return ErrDeviceAbsent
	}

	switch r.handle.State {
	case StateAttached:
		r.handle.State = StateBusy
		return nil
	case StateBusy:
		return ErrDeviceBusy
	default:
		return ErrDeviceAbsent
	}
}

// releaseBusy はハンドルをBusy状態から待機状態へ戻す
// 切断・障害で既にBusyでない場合は何もしない
func (r *Registry) releaseBusy(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == nil || r.handle.Identity != id {
		return
	}

	if r.handle.State == StateBusy {
		r.handle.State = StateAttached
	}
}
