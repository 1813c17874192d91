package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

// setupTestStore はマイグレーション適用済みのインメモリSQLiteでStoreを構築する。
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	logger, _ := test.NewNullLogger()
	sqlDB, err := Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(sqlDB)
}

// createTestNotification はテスト用の通知と配信レコードを作成するヘルパー関数。
func createTestNotification(t *testing.T, s *Store, id, eventID, userID string, channels ...string) {
	t.Helper()

	var deliveries []CreateDeliveryParams
	for _, ch := range channels {
		deliveries = append(deliveries, CreateDeliveryParams{
			ID:            id + "-" + ch,
			Channel:       ch,
			RecipientType: "user",
			RecipientID:   userID,
		})
	}
	err := s.CreateNotificationWithDeliveries(t.Context(), CreateNotificationParams{
		ID:        id,
		EventID:   eventID,
		OrgID:     "org-1",
		UserID:    userID,
		EventType: "CLEANING_ASSIGNED",
		Title:     "Cleaning assigned",
		Message:   "Cleaning at Flat 5",
		Priority:  "NORMAL",
	}, deliveries)
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
}

// TestTemplates はテンプレートの取得と選択順を検証する。
func TestTemplates(t *testing.T) {
	t.Parallel()

	t.Run("既定テンプレートが投入されていること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		templates, err := s.ListTemplatesByEventType(t.Context(), "CLEANING_ASSIGNED")
		if err != nil {
			t.Fatalf("ListTemplatesByEventType()でエラーが発生: %v", err)
		}
		if len(templates) != 1 {
			t.Fatalf("テンプレート件数 = %d, want 1", len(templates))
		}
		if templates[0].MessageTemplate != "Cleaning at {{payload.unitName}} on {{payload.scheduledAt|date}}" {
			t.Errorf("MessageTemplate = %q", templates[0].MessageTemplate)
		}
		if len(templates[0].DefaultChannels) != 0 {
			t.Errorf("DefaultChannels = %v, want 空", templates[0].DefaultChannels)
		}
	})

	t.Run("更新日時が新しいテンプレートが先頭になること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		ctx := t.Context()
		base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		for _, tpl := range []Template{
			{ID: "a", EventType: "CUSTOM", Name: "old", TitleTemplate: "old", MessageTemplate: "old", UpdatedAt: base},
			{ID: "b", EventType: "CUSTOM", Name: "new", TitleTemplate: "new", MessageTemplate: "new", UpdatedAt: base.Add(time.Hour)},
			{ID: "c", EventType: "CUSTOM", Name: "mid", TitleTemplate: "mid", MessageTemplate: "mid", UpdatedAt: base.Add(time.Minute), DefaultChannels: []string{"WEBSOCKET"}},
		} {
			if err := s.UpsertTemplate(ctx, tpl); err != nil {
				t.Fatalf("UpsertTemplate()でエラーが発生: %v", err)
			}
		}

		templates, err := s.ListTemplatesByEventType(ctx, "CUSTOM")
		if err != nil {
			t.Fatalf("ListTemplatesByEventType()でエラーが発生: %v", err)
		}
		got := []string{}
		for _, tpl := range templates {
			got = append(got, tpl.ID)
		}
		if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "a" {
			t.Errorf("順序 = %v, want [b c a]", got)
		}
		if len(templates[1].DefaultChannels) != 1 || templates[1].DefaultChannels[0] != "WEBSOCKET" {
			t.Errorf("DefaultChannels = %v, want [WEBSOCKET]", templates[1].DefaultChannels)
		}
	})

	t.Run("未登録のイベント種類は空を返すこと", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		templates, err := s.ListTemplatesByEventType(t.Context(), "UNKNOWN")
		if err != nil {
			t.Fatalf("ListTemplatesByEventType()でエラーが発生: %v", err)
		}
		if len(templates) != 0 {
			t.Errorf("テンプレート件数 = %d, want 0", len(templates))
		}
	})
}

// TestSettings はユーザー通知設定の保存と取得を検証する。
func TestSettings(t *testing.T) {
	t.Parallel()

	t.Run("保存した設定を取得できること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		ctx := t.Context()
		if err := s.UpsertSettings(ctx, Settings{
			UserID:               "u1",
			Enabled:              true,
			EnabledChannels:      []string{"TELEGRAM", "WEBSOCKET"},
			SubscribedEventTypes: []string{"CLEANING_ASSIGNED"},
			TelegramChatID:       "123",
		}); err != nil {
			t.Fatalf("UpsertSettings()でエラーが発生: %v", err)
		}

		got, err := s.GetSettings(ctx, "u1")
		if err != nil {
			t.Fatalf("GetSettings()でエラーが発生: %v", err)
		}
		if !got.Enabled {
			t.Error("Enabled = false, want true")
		}
		if len(got.EnabledChannels) != 2 || got.EnabledChannels[1] != "WEBSOCKET" {
			t.Errorf("EnabledChannels = %v", got.EnabledChannels)
		}
		if got.TelegramChatID != "123" {
			t.Errorf("TelegramChatID = %q, want %q", got.TelegramChatID, "123")
		}
	})

	t.Run("存在しない場合はErrNotFoundが返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		if _, err := s.GetSettings(t.Context(), "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSettings() = %v, want ErrNotFound", err)
		}
	})
}

// TestCreateNotificationWithDeliveries は通知と配信レコードの一括作成を検証する。
func TestCreateNotificationWithDeliveries(t *testing.T) {
	t.Parallel()

	t.Run("通知とPENDINGの配信レコードが作成されること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		createTestNotification(t, s, "n1", "e1", "u1", "TELEGRAM", "WEBSOCKET")

		n, err := s.GetNotificationByEventAndUser(t.Context(), "e1", "u1")
		if err != nil {
			t.Fatalf("GetNotificationByEventAndUser()でエラーが発生: %v", err)
		}
		if n.Status != NotificationPending {
			t.Errorf("Status = %q, want %q", n.Status, NotificationPending)
		}
		if string(n.Metadata) != "{}" {
			t.Errorf("Metadata = %s, want {}", n.Metadata)
		}
		if n.SentAt != nil || n.ReadAt != nil {
			t.Error("SentAt/ReadAtが設定されている")
		}

		deliveries, err := s.ListDeliveriesByNotification(t.Context(), "n1")
		if err != nil {
			t.Fatalf("ListDeliveriesByNotification()でエラーが発生: %v", err)
		}
		if len(deliveries) != 2 {
			t.Fatalf("配信件数 = %d, want 2", len(deliveries))
		}
		for _, d := range deliveries {
			if d.Status != DeliveryPending {
				t.Errorf("%s: Status = %q, want PENDING", d.Channel, d.Status)
			}
		}
	})

	t.Run("同一イベント・同一ユーザーはErrDuplicateで何も作成されないこと", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		createTestNotification(t, s, "n1", "e1", "u1", "WEBSOCKET")

		err := s.CreateNotificationWithDeliveries(t.Context(), CreateNotificationParams{
			ID: "n2", EventID: "e1", UserID: "u1", EventType: "X", Title: "t", Message: "m", Priority: "LOW",
		}, []CreateDeliveryParams{{ID: "n2-ws", Channel: "WEBSOCKET", RecipientType: "user", RecipientID: "u1"}})
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("err = %v, want ErrDuplicate", err)
		}

		count, err := s.CountNotificationsByEvent(t.Context(), "e1")
		if err != nil {
			t.Fatalf("CountNotificationsByEvent()でエラーが発生: %v", err)
		}
		if count != 1 {
			t.Errorf("通知件数 = %d, want 1", count)
		}
		deliveries, err := s.ListDeliveriesByNotification(t.Context(), "n2")
		if err != nil {
			t.Fatalf("ListDeliveriesByNotification()でエラーが発生: %v", err)
		}
		if len(deliveries) != 0 {
			t.Errorf("ロールバックされるべき配信レコードが %d 件残っている", len(deliveries))
		}
	})

	t.Run("配信レコードの作成に失敗した場合は通知もロールバックされること", func(t *testing.T) {
		t.Parallel()

		s := setupTestStore(t)
		err := s.CreateNotificationWithDeliveries(t.Context(), CreateNotificationParams{
			ID: "n1", EventID: "e1", UserID: "u1", EventType: "X", Title: "t", Message: "m", Priority: "LOW",
		}, []CreateDeliveryParams{
			{ID: "d1", Channel: "WEBSOCKET", RecipientType: "user", RecipientID: "u1"},
			{ID: "d2", Channel: "WEBSOCKET", RecipientType: "user", RecipientID: "u1"},
		})
		if err == nil {
			t.Fatal("チャネル重複でエラーが返るべき")
		}
		if _, err := s.GetNotificationByID(t.Context(), "n1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetNotificationByID() = %v, want ErrNotFound", err)
		}
	})
}

// TestStatusTransitions は状態遷移が前進のみであることを検証する。
func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := t.Context()
	createTestNotification(t, s, "n1", "e1", "u1", "TELEGRAM", "WEBSOCKET")
	now := time.Now()

	if n, err := s.MarkDeliveryDelivered(ctx, "n1-TELEGRAM", now); err != nil || n != 1 {
		t.Fatalf("MarkDeliveryDelivered() = (%d, %v), want (1, nil)", n, err)
	}
	// 終端状態からは遷移しない
	if n, err := s.MarkDeliveryFailed(ctx, "n1-TELEGRAM", "late failure"); err != nil || n != 0 {
		t.Errorf("DELIVEREDからのMarkDeliveryFailed() = (%d, %v), want (0, nil)", n, err)
	}
	if n, err := s.MarkDeliveryFailed(ctx, "n1-WEBSOCKET", "recipient offline"); err != nil || n != 1 {
		t.Fatalf("MarkDeliveryFailed() = (%d, %v), want (1, nil)", n, err)
	}

	deliveries, err := s.ListDeliveriesByNotification(ctx, "n1")
	if err != nil {
		t.Fatalf("ListDeliveriesByNotification()でエラーが発生: %v", err)
	}
	for _, d := range deliveries {
		switch d.Channel {
		case "TELEGRAM":
			if d.Status != DeliveryDelivered || d.DeliveredAt == nil || d.Error != "" {
				t.Errorf("TELEGRAM = %+v, want DELIVERED", d)
			}
		case "WEBSOCKET":
			if d.Status != DeliveryFailed || d.Error != "recipient offline" {
				t.Errorf("WEBSOCKET = %+v, want FAILED", d)
			}
		}
	}

	if n, err := s.MarkNotificationSent(ctx, "n1", now); err != nil || n != 1 {
		t.Fatalf("MarkNotificationSent() = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.MarkNotificationFailed(ctx, "n1"); err != nil || n != 0 {
		t.Errorf("SENTからのMarkNotificationFailed() = (%d, %v), want (0, nil)", n, err)
	}
	got, err := s.GetNotificationByID(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNotificationByID()でエラーが発生: %v", err)
	}
	if got.Status != NotificationSent || got.SentAt == nil {
		t.Errorf("Status = %q, SentAt = %v, want SENT", got.Status, got.SentAt)
	}
}

// TestListNotifications は一覧の絞り込みと既読処理を検証する。
func TestListNotifications(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := t.Context()
	createTestNotification(t, s, "n1", "e1", "u1", "WEBSOCKET")
	createTestNotification(t, s, "n2", "e2", "u1", "WEBSOCKET")
	createTestNotification(t, s, "n3", "e3", "u2", "WEBSOCKET")

	if n, err := s.MarkAsRead(ctx, "n1", time.Now()); err != nil || n != 1 {
		t.Fatalf("MarkAsRead() = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.MarkAsRead(ctx, "n1", time.Now()); err != nil || n != 0 {
		t.Errorf("2回目のMarkAsRead() = (%d, %v), want (0, nil)", n, err)
	}

	tests := []struct {
		name string
		arg  ListNotificationsParams
		want int
	}{
		{name: "ユーザーで絞り込み", arg: ListNotificationsParams{UserID: "u1"}, want: 2},
		{name: "未読のみ", arg: ListNotificationsParams{UserID: "u1", UnreadOnly: true}, want: 1},
		{name: "組織で絞り込み", arg: ListNotificationsParams{OrgID: "org-1"}, want: 3},
		{name: "状態で絞り込み", arg: ListNotificationsParams{Status: NotificationSent}, want: 0},
		{name: "イベント種類で絞り込み", arg: ListNotificationsParams{EventType: "CLEANING_ASSIGNED", Limit: 2}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListNotifications(ctx, tt.arg)
			if err != nil {
				t.Fatalf("ListNotifications()でエラーが発生: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("件数 = %d, want %d", len(got), tt.want)
			}
		})
	}

	if n, err := s.MarkAllAsRead(ctx, "u1", time.Now()); err != nil || n != 1 {
		t.Errorf("MarkAllAsRead() = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.CountUnread(ctx, "u1"); err != nil || n != 0 {
		t.Errorf("CountUnread() = (%d, %v), want (0, nil)", n, err)
	}
}

// TestProcessedEvents は処理済みイベントの記録を検証する。
func TestProcessedEvents(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := t.Context()

	if _, err := s.GetProcessedEvent(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProcessedEvent() = %v, want ErrNotFound", err)
	}
	if err := s.RecordProcessedEvent(ctx, ProcessedEvent{EventID: "e1", EventType: "X", Created: 2, Skipped: 1}); err != nil {
		t.Fatalf("RecordProcessedEvent()でエラーが発生: %v", err)
	}
	// 2回目の記録は無視される
	if err := s.RecordProcessedEvent(ctx, ProcessedEvent{EventID: "e1", EventType: "X", Created: 9}); err != nil {
		t.Fatalf("2回目のRecordProcessedEvent()でエラーが発生: %v", err)
	}
	got, err := s.GetProcessedEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetProcessedEvent()でエラーが発生: %v", err)
	}
	if got.Created != 2 || got.Skipped != 1 {
		t.Errorf("記録 = %+v, want Created=2 Skipped=1", got)
	}
}

// TestMigrate はマイグレーションの再適用が冪等であることを検証する。
func TestMigrate(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	logger, _ := test.NewNullLogger()
	if err := Migrate(context.Background(), s.db, logger); err != nil {
		t.Fatalf("2回目のMigrate()でエラーが発生: %v", err)
	}
	templates, err := s.ListTemplatesByEventType(t.Context(), "CLEANING_ASSIGNED")
	if err != nil {
		t.Fatalf("ListTemplatesByEventType()でエラーが発生: %v", err)
	}
	if len(templates) != 1 {
		t.Errorf("テンプレート件数 = %d, want 1", len(templates))
	}
}
