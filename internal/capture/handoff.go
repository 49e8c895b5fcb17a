package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store は撮影結果の永続化層の境界インターフェース
type Store interface {
	// SavePicture は撮影結果を保存し、保存先の参照IDを返す
	// 同一リクエストIDでの再保存は冪等で、既存の参照IDを返す
	SavePicture(ctx context.Context, result *Result) (string, error)
}

// Handoff は完了した撮影結果の永続化と完了通知を担う
// Deliverはリクエスト単位で冪等であり、再配送は成功として扱われる
type Handoff struct {
	store  Store
	logger logrus.FieldLogger

	mu        sync.Mutex
	delivered map[string]string // リクエストID → 保存先参照ID
	subs      []chan Completion
}

// NewHandoff は新しいHandoffを作成する
func NewHandoff(store Store, logger logrus.FieldLogger) *Handoff {
	return &Handoff{
		store:     store,
		logger:    logger.WithField("component", "handoff"),
		delivered: make(map[string]string),
	}
}

// Deliver は撮影結果を永続化し、完了を通知する
// 保存失敗は通知に含めて呼び出し元へ伝えるが、撮影のやり直しはしない
func (h *Handoff) Deliver(ctx context.Context, result *Result) (string, error) {
	h.mu.Lock()
	if pictureID, done := h.delivered[result.RequestID]; done {
		h.mu.Unlock()
		// 再配送。保存済みのため成功扱い
		return pictureID, nil
	}
	h.mu.Unlock()

	pictureID, err := h.store.SavePicture(ctx, result)
	if err != nil {
		h.logger.WithField("request_id", result.RequestID).
			WithError(err).Error("撮影結果の保存に失敗")
		h.notify(Completion{
			RequestID: result.RequestID,
			State:     StateSucceeded,
			Cause:     CausePersistenceFailed,
		})
		return "", fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	h.mu.Lock()
	h.delivered[result.RequestID] = pictureID
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"picture_id": pictureID,
	}).Info("撮影結果を保存")

	h.notify(Completion{
		RequestID: result.RequestID,
		State:     StateSucceeded,
		PictureID: pictureID,
	})
	return pictureID, nil
}

// NotifyTerminal は失敗・キャンセルの終端状態を通知する
func (h *Handoff) NotifyTerminal(requestID string, state RequestState, cause FailureCause) {
	h.notify(Completion{
		RequestID: requestID,
		State:     state,
		Cause:     cause,
	})
}

// Subscribe は完了通知の購読チャンネルを返す
func (h *Handoff) Subscribe() chan Completion {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Completion, 32)
	h.subs = append(h.subs, ch)
	return ch
}

// Unsubscribe は完了通知の購読を解除する
func (h *Handoff) Unsubscribe(ch chan Completion) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subs {
		if sub == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// notify は全購読者へ完了を配信する
// 購読者のバッファが溢れた場合は最も古い通知を破棄して入れ替える
func (h *Handoff) notify(completion Completion) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub <- completion:
		default:
			select {
			case <-sub:
			default:
			}
			sub <- completion
			h.logger.Warn("完了通知バッファが溢れたため古い通知を破棄")
		}
	}
}
