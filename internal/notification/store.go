package notification

import (
	"context"
	"time"

	"github.com/nao1215/stayops/internal/notification/db"
)

// Store は通知エンジンが使う永続化操作。*db.Store が実装する。
type Store interface {
	GetSettings(ctx context.Context, userID string) (*db.Settings, error)
	ListTemplatesByEventType(ctx context.Context, eventType string) ([]db.Template, error)

	GetNotificationByEventAndUser(ctx context.Context, eventID, userID string) (*db.Notification, error)
	CountNotificationsByEvent(ctx context.Context, eventID string) (int64, error)
	CreateNotificationWithDeliveries(ctx context.Context, n db.CreateNotificationParams, deliveries []db.CreateDeliveryParams) error
	MarkNotificationSent(ctx context.Context, id string, at time.Time) (int64, error)
	MarkNotificationFailed(ctx context.Context, id string) (int64, error)

	ListDeliveriesByNotification(ctx context.Context, notificationID string) ([]db.Delivery, error)
	MarkDeliveryDelivered(ctx context.Context, id string, at time.Time) (int64, error)
	MarkDeliveryFailed(ctx context.Context, id, errText string) (int64, error)

	GetProcessedEvent(ctx context.Context, eventID string) (*db.ProcessedEvent, error)
	RecordProcessedEvent(ctx context.Context, p db.ProcessedEvent) error
}

var _ Store = (*db.Store)(nil)
