package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
)

// residenceCheckInterval はキュー滞留時間を確認する周期
const residenceCheckInterval = 250 * time.Millisecond

// defaultRequestRetention は終端状態のリクエストを参照可能に保つ既定の期間
const defaultRequestRetention = 10 * time.Minute

// Policy はArbiterの動作ポリシーを表す
type Policy struct {
	MaxQueueResidence time.Duration // キュー滞留の最大時間
	QueueCapacity     int           // キューの最大長
	RequestRetention  time.Duration // 終端リクエストの保持期間（0なら既定値）
}

// Arbiter は撮影リクエストの受付と実行許可を直列化する
// 受付・キャンセル・デバイスイベント・完了はすべて単一のループで
// 処理され、デバイス状態に対する判断が競合しない
type Arbiter struct {
	policy   Policy
	registry *device.Registry
	pipeline *Pipeline
	handoff  *Handoff
	logger   logrus.FieldLogger

	submitCh chan submitOp
	cancelCh chan cancelOp
	doneCh   chan pipelineDone
	events   chan device.Event
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// requestsはループとStatus読み出しの双方から参照されるためmuで
	// 保護する。状態の書き込みと、queue・activeの操作はループだけが行う
	mu       sync.RWMutex
	requests map[string]*Request
	queue    []*Request
	active   *Request
}

type submitOp struct {
	req   *Request
	reply chan error
}

type cancelOp struct {
	id    string
	reply chan error
}

type pipelineDone struct {
	requestID string
	result    *Result
	cause     FailureCause
	err       error
}

// NewArbiter は新しいArbiterを作成する
func NewArbiter(policy Policy, registry *device.Registry, pipeline *Pipeline, handoff *Handoff, logger logrus.FieldLogger) *Arbiter {
	if policy.RequestRetention <= 0 {
		policy.RequestRetention = defaultRequestRetention
	}
	return &Arbiter{
		policy:   policy,
		registry: registry,
		pipeline: pipeline,
		handoff:  handoff,
		logger:   logger.WithField("component", "arbiter"),
		submitCh: make(chan submitOp),
		cancelCh: make(chan cancelOp),
		doneCh:   make(chan pipelineDone, 1),
		stopCh:   make(chan struct{}),
		requests: make(map[string]*Request),
	}
}

// Start は判断ループを開始する
func (a *Arbiter) Start(ctx context.Context) error {
	a.events = a.registry.Subscribe()

	a.wg.Add(1)
	go a.loop(ctx)

	return nil
}

// Stop は判断ループを停止する
// 実行中のパイプラインの完了は待たず、以降の受付だけを止める
func (a *Arbiter) Stop(_ context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	a.registry.Unsubscribe(a.events)
	return nil
}

// Submit は撮影リクエストを受け付ける
func (a *Arbiter) Submit(ctx context.Context, params map[string]string) (Snapshot, error) {
	req := &Request{
		ID:          uuid.New().String(),
		SubmittedAt: time.Now(),
		Params:      params,
		State:       StateQueued,
	}

	op := submitOp{req: req, reply: make(chan error, 1)}
	select {
	case a.submitCh <- op:
	case <-a.stopCh:
		return Snapshot{}, ErrArbiterStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	if err := <-op.reply; err != nil {
		return Snapshot{}, err
	}
	return a.snapshot(req.ID), nil
}

// Cancel はキュー待機中のリクエストをキャンセルする
// 実行を許可された後のリクエストは ErrCancellationTooLate で拒否される
func (a *Arbiter) Cancel(ctx context.Context, id string) error {
	op := cancelOp{id: id, reply: make(chan error, 1)}
	select {
	case a.cancelCh <- op:
	case <-a.stopCh:
		return ErrArbiterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.reply
}

// Status はリクエストの現在状態を返す
func (a *Arbiter) Status(id string) (Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	req, exists := a.requests[id]
	if !exists {
		return Snapshot{}, ErrRequestNotFound
	}
	return Snapshot{
		ID:          req.ID,
		SubmittedAt: req.SubmittedAt,
		State:       req.State,
		Cause:       req.Cause,
	}, nil
}

// loop は唯一の判断ループ
func (a *Arbiter) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(residenceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return

		case op := <-a.submitCh:
			op.reply <- a.handleSubmit(ctx, op.req)

		case op := <-a.cancelCh:
			op.reply <- a.handleCancel(op.id)

		case ev, ok := <-a.events:
			if !ok {
				return
			}
			a.handleDeviceEvent(ctx, ev)

		case done := <-a.doneCh:
			a.handleDone(ctx, done)

		case <-ticker.C:
			a.expireQueued(ctx)
			a.pruneRequests()
			a.admitNext(ctx)
		}
	}
}

// handleSubmit はリクエストをキューへ追加する
func (a *Arbiter) handleSubmit(ctx context.Context, req *Request) error {
	if len(a.queue) >= a.policy.QueueCapacity {
		return ErrQueueFull
	}

	a.mu.Lock()
	a.requests[req.ID] = req
	a.mu.Unlock()
	a.queue = append(a.queue, req)

	a.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"queue_len":  len(a.queue),
	}).Info("撮影リクエストを受付")

	a.admitNext(ctx)
	return nil
}

// handleCancel はキャンセル要求を処理する
func (a *Arbiter) handleCancel(id string) error {
	a.mu.RLock()
	req, exists := a.requests[id]
	a.mu.RUnlock()
	if !exists {
		return ErrRequestNotFound
	}

	if req.State != StateQueued {
		return ErrCancellationTooLate
	}

	for i, queued := range a.queue {
		if queued.ID == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}

	a.transition(req, StateCancelled, CauseNone)
	a.logger.WithField("request_id", id).Info("撮影リクエストをキャンセル")
	a.handoff.NotifyTerminal(req.ID, StateCancelled, CauseNone)
	return nil
}

// handleDeviceEvent はデバイスイベントに応じて実行状況を更新する
func (a *Arbiter) handleDeviceEvent(ctx context.Context, ev device.Event) {
	switch ev.Type {
	case device.EventAttached:
		a.logger.WithField("port", ev.Identity.Port).Info("デバイス接続を観測。キューを再評価")
		a.admitNext(ctx)

	case device.EventFaulted, device.EventDetached:
		// 実行を許可済み・実行中のリクエストはデバイス喪失として終端化する。
		// キュー待機中のリクエストは次の接続イベントまで保持される
		if a.active != nil && !a.active.State.IsTerminal() {
			a.logger.WithFields(logrus.Fields{
				"request_id": a.active.ID,
				"event":      ev.Type,
			}).Warn("デバイス喪失により実行中リクエストを失敗扱い")
			a.failRequest(a.active, CauseDeviceLost)
		}
	}
}

// handleDone はパイプライン完了を処理する
func (a *Arbiter) handleDone(ctx context.Context, done pipelineDone) {
	a.mu.RLock()
	req, exists := a.requests[done.requestID]
	a.mu.RUnlock()

	if exists && !req.State.IsTerminal() {
		if done.result != nil {
			a.transition(req, StateSucceeded, CauseNone)
			a.logger.WithField("request_id", req.ID).Info("撮影に成功")
			// 保存はループ外で行い、判断を停滞させない。
			// シャットダウンのキャンセルで保存が中断されないよう
			// 親コンテキストから切り離す（完了はStopのwgで待つ）
			a.wg.Add(1)
			go func(result *Result) {
				defer a.wg.Done()
				a.handoff.Deliver(context.WithoutCancel(ctx), result)
			}(done.result)
		} else {
			a.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"cause":      done.cause,
			}).WithError(done.err).Warn("撮影に失敗")
			a.failRequest(req, done.cause)
		}
	}

	if a.active != nil && a.active.ID == done.requestID {
		a.active = nil
	}
	a.admitNext(ctx)
}

// expireQueued は滞留時間を超えたキュー内リクエストを失敗させる
func (a *Arbiter) expireQueued(_ context.Context) {
	now := time.Now()
	remaining := a.queue[:0]

	for _, req := range a.queue {
		if now.Sub(req.SubmittedAt) > a.policy.MaxQueueResidence {
			a.logger.WithField("request_id", req.ID).Warn("キュー滞留時間を超過")
			a.failRequest(req, CauseTimeout)
			continue
		}
		remaining = append(remaining, req)
	}
	a.queue = remaining
}

// pruneRequests は保持期間を過ぎた終端状態のリクエストを破棄する
// 破棄後のStatusは ErrRequestNotFound を返す
func (a *Arbiter) pruneRequests() {
	cutoff := time.Now().Add(-a.policy.RequestRetention)

	a.mu.Lock()
	for id, req := range a.requests {
		if req.State.IsTerminal() && !req.CompletedAt.IsZero() && req.CompletedAt.Before(cutoff) {
			delete(a.requests, id)
		}
	}
	a.mu.Unlock()
}

// admitNext はキュー先頭のリクエストに実行を許可する
// 同時に実行されるのは常に1件のみで、順序はFIFO
func (a *Arbiter) admitNext(ctx context.Context) {
	if a.active != nil || len(a.queue) == 0 {
		return
	}

	handle, attached := a.registry.Current()
	if !attached || handle.State != device.StateAttached {
		return
	}

	req := a.queue[0]
	a.queue = a.queue[1:]
	a.active = req
	a.transition(req, StateAdmitted, CauseNone)

	a.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"port":       handle.Identity.Port,
	}).Info("撮影リクエストに実行を許可")

	// 状態の書き込みを判断ループに閉じるため、開始遷移もここで行う。
	// パイプラインのゴルーチンは状態を読み書きしない
	a.transition(req, StateInProgress, CauseNone)

	a.wg.Add(1)
	go a.runPipeline(ctx, req)
}

// runPipeline はパイプラインを実行し、結果を判断ループへ返す
func (a *Arbiter) runPipeline(ctx context.Context, req *Request) {
	defer a.wg.Done()

	result, cause, err := a.pipeline.Run(ctx, req)
	a.sendDone(pipelineDone{
		requestID: req.ID,
		result:    result,
		cause:     cause,
		err:       err,
	})
}

// sendDone は完了通知をループへ送る。停止済みの場合は破棄する
func (a *Arbiter) sendDone(done pipelineDone) {
	select {
	case a.doneCh <- done:
	case <-a.stopCh:
	}
}

// failRequest はリクエストを失敗の終端状態へ遷移させる
func (a *Arbiter) failRequest(req *Request, cause FailureCause) {
	if a.transition(req, StateFailed, cause) {
		a.handoff.NotifyTerminal(req.ID, StateFailed, cause)
	}
}

// transition はリクエストの状態を遷移させる
// 既に終端状態の場合は何もせずfalseを返す（終端後の不変条件）
func (a *Arbiter) transition(req *Request, state RequestState, cause FailureCause) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.State.IsTerminal() {
		return false
	}
	req.State = state
	req.Cause = cause
	if state.IsTerminal() {
		req.CompletedAt = time.Now()
	}
	return true
}

// snapshot はリクエスト状態の読み取り用コピーを返す
func (a *Arbiter) snapshot(id string) Snapshot {
	snap, _ := a.Status(id)
	return snap
}
