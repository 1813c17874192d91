package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification/db"
)

const (
	// defaultDispatchConcurrency は通知ごとの配信の既定の並列数。
	defaultDispatchConcurrency = 16
	// defaultSendTimeout はチャネル1件の送信の既定のタイムアウト。
	defaultSendTimeout = 10 * time.Second
	// errNoSender は送信手段が登録されていないチャネルの配信に記録するエラー。
	errNoSender = "no sender for channel"
)

// Sender はチャネルへメッセージを送信する。
type Sender interface {
	Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error)
}

// SenderFunc は関数をSenderとして使うためのアダプタ。
type SenderFunc func(ctx context.Context, msg delivery.Message) (delivery.Receipt, error)

// Send はf(ctx, msg)を呼び出す。
func (f SenderFunc) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	return f(ctx, msg)
}

// ChannelOutcome はチャネル1件分の配信結果。
type ChannelOutcome struct {
	DeliveryID string
	Channel    delivery.Channel
	Status     db.DeliveryStatus
	Error      string
	Receipt    delivery.Receipt
}

// DispatchResult は通知1件分の配信結果。
type DispatchResult struct {
	NotificationID string
	Status         db.NotificationStatus
	Channels       []ChannelOutcome
}

// Dispatcher は保存済みの通知をチャネルごとに送信し、結果を記録する。
type Dispatcher struct {
	store       Store
	senders     map[delivery.Channel]Sender
	logger      logrus.FieldLogger
	timeout     time.Duration
	concurrency int
	now         func() time.Time
}

// DispatcherOption はDispatcherの設定を変更する関数。
type DispatcherOption func(*Dispatcher)

// WithSendTimeout はチャネル1件の送信のタイムアウトを設定する。0以下は無視する。
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithDispatchConcurrency は通知ごとの配信の並列数を設定する。0以下は無視する。
func WithDispatchConcurrency(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.concurrency = n
		}
	}
}

// WithDispatchClock は現在時刻の取得関数を設定する。
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) { dp.now = now }
}

// NewDispatcher はDispatcherを生成する。sendersはチャネルごとの送信手段。
func NewDispatcher(store Store, senders map[delivery.Channel]Sender, logger logrus.FieldLogger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		senders:     senders,
		logger:      logger,
		timeout:     defaultSendTimeout,
		concurrency: defaultDispatchConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchAll は複数の通知を並列に配信する。結果は入力と同じ順序で返す。
func (d *Dispatcher) DispatchAll(ctx context.Context, prepared []Prepared) []DispatchResult {
	results := make([]DispatchResult, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, p := range prepared {
		g.Go(func() error {
			results[i] = d.Dispatch(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Dispatch は通知のPENDINGの配信を全チャネル同時に送信する。
// 送信に成功した配信はDELIVERED、失敗した配信はFAILEDになり、この層では再試行しない。
// 全チャネルの結果から通知の状態を集約して記録する。
func (d *Dispatcher) Dispatch(ctx context.Context, p Prepared) DispatchResult {
	log := d.logger.WithFields(logrus.Fields{
		"notification_id": p.NotificationID,
		"event_id":        p.EventID,
		"user_id":         p.UserID,
	})
	result := DispatchResult{NotificationID: p.NotificationID, Status: db.NotificationPending}

	rows, err := d.store.ListDeliveriesByNotification(ctx, p.NotificationID)
	if err != nil {
		log.WithError(err).Error("[Dispatcher] 配信状態の取得に失敗")
		return result
	}

	statuses := make([]db.DeliveryStatus, len(rows))
	outcomes := make([]*ChannelOutcome, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		statuses[i] = row.Status
		if row.Status != db.DeliveryPending {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := d.send(ctx, p, row, log.WithField("channel", row.Channel))
			statuses[i] = outcome.Status
			outcomes[i] = &outcome
		}()
	}
	wg.Wait()
	for _, o := range outcomes {
		if o != nil {
			result.Channels = append(result.Channels, *o)
		}
	}

	result.Status = rollup(statuses)
	switch result.Status {
	case db.NotificationSent:
		if _, err := d.store.MarkNotificationSent(ctx, p.NotificationID, d.now()); err != nil {
			log.WithError(err).Error("[Dispatcher] 通知の送信済み更新に失敗")
		}
	case db.NotificationFailed:
		if _, err := d.store.MarkNotificationFailed(ctx, p.NotificationID); err != nil {
			log.WithError(err).Error("[Dispatcher] 通知の失敗更新に失敗")
		}
	}
	log.WithField("status", result.Status).Info("[Dispatcher] 通知の配信が完了しました")
	return result
}

// send は配信1件を送信し、結果を記録する。
func (d *Dispatcher) send(ctx context.Context, p Prepared, row db.Delivery, log logrus.FieldLogger) (outcome ChannelOutcome) {
	ch := delivery.Channel(row.Channel)
	outcome = ChannelOutcome{DeliveryID: row.ID, Channel: ch}

	receipt, err := d.invoke(ctx, ch, delivery.Message{
		DeliveryID:     row.ID,
		NotificationID: p.NotificationID,
		EventID:        p.EventID,
		EventType:      p.EventType,
		Channel:        ch,
		RecipientID:    row.RecipientID,
		Title:          p.Title,
		Body:           p.Message,
		Priority:       p.Priority,
		Metadata:       p.Metadata,
		ActionURL:      p.ActionURL,
		ActionText:     p.ActionText,
		Buttons:        p.Buttons,
	})
	if err != nil {
		outcome.Status = db.DeliveryFailed
		outcome.Error = err.Error()
		log.WithError(err).Warn("[Dispatcher] 配信に失敗")
		if _, merr := d.store.MarkDeliveryFailed(ctx, row.ID, outcome.Error); merr != nil {
			log.WithError(merr).Error("[Dispatcher] 配信の失敗記録に失敗")
		}
		return outcome
	}

	outcome.Status = db.DeliveryDelivered
	outcome.Receipt = receipt
	if _, merr := d.store.MarkDeliveryDelivered(ctx, row.ID, d.now()); merr != nil {
		log.WithError(merr).Error("[Dispatcher] 配信の完了記録に失敗")
	}
	log.WithField("receipt_id", receipt.DeliveryID).Debug("[Dispatcher] 配信しました")
	return outcome
}

// invoke はチャネルの送信手段をタイムアウト付きで呼び出す。
// 送信手段のパニックは送信失敗として扱う。
func (d *Dispatcher) invoke(ctx context.Context, ch delivery.Channel, msg delivery.Message) (receipt delivery.Receipt, err error) {
	sender, ok := d.senders[ch]
	if !ok || sender == nil {
		return delivery.Receipt{}, fmt.Errorf("%s: %s", errNoSender, ch)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("送信中にパニックが発生: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sender.Send(sendCtx, msg)
}

// rollup はチャネルごとの状態から通知全体の状態を決める。
// 1チャネルでも配信できればSENT、全チャネルが失敗した場合はFAILED、それ以外はPENDING。
func rollup(statuses []db.DeliveryStatus) db.NotificationStatus {
	if len(statuses) == 0 {
		return db.NotificationPending
	}
	failed := 0
	for _, s := range statuses {
		switch s {
		case db.DeliveryDelivered:
			return db.NotificationSent
		case db.DeliveryFailed:
			failed++
		}
	}
	if failed == len(statuses) {
		return db.NotificationFailed
	}
	return db.NotificationPending
}
