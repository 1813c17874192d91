package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/pkg/event"
)

// ErrInvalidEvent はイベントが受信契約を満たしていないことを表す。
var ErrInvalidEvent = errors.New("不正なイベントです")

// Outcome はイベント1件の受信結果。
type Outcome struct {
	EventID string `json:"eventId"`
	// Duplicate は処理済みのイベントだったかどうか。
	Duplicate bool `json:"duplicate,omitempty"`
	// InFlight は同じイベントを別の処理が実行中だったかどうか。
	InFlight   bool `json:"inFlight,omitempty"`
	Created    int  `json:"created"`
	Skipped    int  `json:"skipped"`
	Duplicates int  `json:"duplicates"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Pending    int  `json:"pending"`
	// Error は処理に失敗した場合の理由。再送すれば処理できる。
	Error string `json:"error,omitempty"`
}

// Ingestor はイベントを受け取り、通知の生成から配信までを実行する。
type Ingestor struct {
	store      Store
	builder    *Builder
	dispatcher *Dispatcher
	locker     Locker
	logger     logrus.FieldLogger
}

// NewIngestor はIngestorを生成する。lockerがnilの場合はプロセス内のロックを使う。
func NewIngestor(store Store, builder *Builder, dispatcher *Dispatcher, locker Locker, logger logrus.FieldLogger) *Ingestor {
	if locker == nil {
		locker = NewMemoryLocker(defaultLockTTL)
	}
	return &Ingestor{
		store:      store,
		builder:    builder,
		dispatcher: dispatcher,
		locker:     locker,
		logger:     logger,
	}
}

// Ingest はイベントを検証し、全対象ユーザーの通知を生成してから配信する。
// 呼び出し元のコンテキストがキャンセルされても処理は最後まで続ける。
// 検証エラーはErrInvalidEventを、処理済み記録の参照エラーはそのまま返す。
// 処理済みのイベントはDuplicateを立てて何もしない。
func (i *Ingestor) Ingest(ctx context.Context, ev *event.Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	out := Outcome{EventID: ev.ID}
	work := context.WithoutCancel(ctx)
	log := i.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	if len(ev.TargetUserIDs) == 0 {
		log.Info("[Ingest] 通知対象のユーザーがいないためスキップ")
		return out, nil
	}

	if _, err := i.store.GetProcessedEvent(work, ev.ID); err == nil {
		out.Duplicate = true
		// 既に通知したユーザー数を結果に含める
		if n, err := i.store.CountNotificationsByEvent(work, ev.ID); err == nil {
			out.Duplicates = int(n)
		}
		log.WithField("duplicates", out.Duplicates).Info("[Ingest] 処理済みのイベントのためスキップ")
		return out, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return out, fmt.Errorf("処理済みイベントの確認に失敗: %w", err)
	}

	release, ok, err := i.locker.TryLock(work, ev.ID)
	switch {
	case err != nil:
		log.WithError(err).Warn("[Ingest] ロックを取得できないままイベントを処理します")
	case !ok:
		log.Info("[Ingest] 同じイベントを処理中のためスキップ")
		out.InFlight = true
		return out, nil
	default:
		defer release()
	}

	built := i.builder.Build(work, ev)
	out.Created = built.Created
	out.Skipped = built.Skipped
	out.Duplicates = built.Duplicates

	for _, r := range i.dispatcher.DispatchAll(work, built.Prepared) {
		switch r.Status {
		case db.NotificationSent:
			out.Sent++
		case db.NotificationFailed:
			out.Failed++
		default:
			out.Pending++
		}
	}

	if built.Errors == 0 {
		err := i.store.RecordProcessedEvent(work, db.ProcessedEvent{
			EventID:    ev.ID,
			EventType:  string(ev.Type),
			Created:    built.Created,
			Skipped:    built.Skipped,
			Duplicates: built.Duplicates,
		})
		if err != nil {
			log.WithError(err).Error("[Ingest] 処理済みイベントの記録に失敗")
		}
	} else {
		log.WithField("errors", built.Errors).Warn("[Ingest] 一部のユーザーを処理できなかったため、再受信で再処理します")
	}

	log.WithFields(logrus.Fields{
		"created":    out.Created,
		"skipped":    out.Skipped,
		"duplicates": out.Duplicates,
		"sent":       out.Sent,
		"failed":     out.Failed,
		"pending":    out.Pending,
	}).Info("[Ingest] イベントを処理しました")
	return out, nil
}
