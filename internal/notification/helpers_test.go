package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/pkg/event"
	"github.com/nao1215/stayops/pkg/render"
)

// testLinkBaseURL はテストで使うリンクのベースURL。
const testLinkBaseURL = "https://app.stayops.test"

// newTestLogger は出力を捨てるロガーを返す。
func newTestLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

// setupTestStore はマイグレーション適用済みのインメモリSQLiteでStoreを構築する。
func setupTestStore(t *testing.T) *db.Store {
	t.Helper()

	sqlDB, err := db.Open(context.Background(), ":memory:", newTestLogger())
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db.NewStore(sqlDB)
}

// seedSettings はユーザーの通知設定を保存する。
func seedSettings(t *testing.T, s *db.Store, settings db.Settings) {
	t.Helper()
	if err := s.UpsertSettings(t.Context(), settings); err != nil {
		t.Fatalf("通知設定の保存に失敗: %v", err)
	}
}

// subscribedUser は指定チャネルでイベント種類を購読するユーザーの設定を返す。
func subscribedUser(userID, chatID string, eventType event.Type, channels ...delivery.Channel) db.Settings {
	enabled := make([]string, 0, len(channels))
	for _, c := range channels {
		enabled = append(enabled, string(c))
	}
	return db.Settings{
		UserID:               userID,
		Enabled:              true,
		EnabledChannels:      enabled,
		SubscribedEventTypes: []string{string(eventType)},
		TelegramChatID:       chatID,
	}
}

// newTestEvent はテスト用のイベントを生成する。
func newTestEvent(t *testing.T, id string, eventType event.Type, targets []string, payload string) *event.Event {
	t.Helper()
	ev := &event.Event{
		ID:            id,
		Type:          eventType,
		OrgID:         "org-1",
		ActorUserID:   "manager-1",
		TargetUserIDs: targets,
	}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

// fakeSender は送信内容を記録するSender。errが設定されている場合は失敗する。
type fakeSender struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  []delivery.Message
}

// Send は送信内容を記録する。
func (f *fakeSender) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return delivery.Receipt{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return delivery.Receipt{}, f.err
	}
	return delivery.Receipt{DeliveryID: "r-" + msg.DeliveryID, Status: "sent"}, nil
}

// messages は記録した送信内容を返す。
func (f *fakeSender) messages() []delivery.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Message(nil), f.sent...)
}

// faultyStore は特定のユーザーに対してストレージエラーを返すStore。
type faultyStore struct {
	*db.Store
	failSettings  map[string]bool
	failCreate    map[string]bool
	failProcessed map[string]bool
}

// errDisk はテスト用のストレージエラー。
var errDisk = errors.New("disk I/O error")

// GetSettings はfailSettingsに含まれるユーザーに対してエラーを返す。
func (f *faultyStore) GetSettings(ctx context.Context, userID string) (*db.Settings, error) {
	if f.failSettings[userID] {
		return nil, errDisk
	}
	return f.Store.GetSettings(ctx, userID)
}

// GetProcessedEvent はfailProcessedに含まれるイベントに対してエラーを返す。
func (f *faultyStore) GetProcessedEvent(ctx context.Context, eventID string) (*db.ProcessedEvent, error) {
	if f.failProcessed[eventID] {
		return nil, errDisk
	}
	return f.Store.GetProcessedEvent(ctx, eventID)
}

// CreateNotificationWithDeliveries はfailCreateに含まれるユーザーに対してエラーを返す。
func (f *faultyStore) CreateNotificationWithDeliveries(ctx context.Context, n db.CreateNotificationParams, deliveries []db.CreateDeliveryParams) error {
	if f.failCreate[n.UserID] {
		return errDisk
	}
	return f.Store.CreateNotificationWithDeliveries(ctx, n, deliveries)
}

// testEngine はテスト用に組み立てた通知エンジン。
type testEngine struct {
	store      *db.Store
	builder    *Builder
	dispatcher *Dispatcher
	ingestor   *Ingestor
	telegram   *fakeSender
	socket     *fakeSender
}

// newTestEngine はインメモリDBと偽のSenderで通知エンジンを組み立てる。
// wrapが指定された場合は、エンジンが使うStoreをwrapの戻り値に差し替える。
func newTestEngine(t *testing.T, wrap func(*db.Store) Store) *testEngine {
	t.Helper()

	s := setupTestStore(t)
	var store Store = s
	if wrap != nil {
		store = wrap(s)
	}

	e := &testEngine{store: s, telegram: &fakeSender{}, socket: &fakeSender{}}
	logger := newTestLogger()
	e.builder = NewBuilder(store, render.NewResolver(render.WithLocation(time.UTC)), logger,
		WithLinkBaseURL(testLinkBaseURL), WithFanOut(4))
	e.dispatcher = NewDispatcher(store, map[delivery.Channel]Sender{
		delivery.ChannelTelegram:  e.telegram,
		delivery.ChannelWebSocket: e.socket,
	}, logger, WithSendTimeout(time.Second), WithDispatchConcurrency(4))
	e.ingestor = NewIngestor(store, e.builder, e.dispatcher, NewMemoryLocker(time.Minute), logger)
	return e
}

// deliveriesOf は通知のチャネル別配信状態をチャネルをキーにして返す。
func deliveriesOf(t *testing.T, s *db.Store, notificationID string) map[string]db.Delivery {
	t.Helper()
	rows, err := s.ListDeliveriesByNotification(t.Context(), notificationID)
	if err != nil {
		t.Fatalf("ListDeliveriesByNotification()でエラーが発生: %v", err)
	}
	out := make(map[string]db.Delivery, len(rows))
	for _, r := range rows {
		out[r.Channel] = r
	}
	return out
}

// notificationOf はイベントとユーザーの通知を取得する。
func notificationOf(t *testing.T, s *db.Store, eventID, userID string) *db.Notification {
	t.Helper()
	n, err := s.GetNotificationByEventAndUser(t.Context(), eventID, userID)
	if err != nil {
		t.Fatalf("GetNotificationByEventAndUser(%s, %s)でエラーが発生: %v", eventID, userID, err)
	}
	return n
}
