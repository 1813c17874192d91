package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/pkg/event"
	"github.com/nao1215/stayops/pkg/render"
)

// defaultFanOut はユーザーごとの処理の既定の並列数。
const defaultFanOut = 8

// Target はチャネルごとの配信先。
type Target struct {
	// DeliveryID は配信状態レコードのID。
	DeliveryID string
	// Channel は配信チャネル。
	Channel delivery.Channel
	// RecipientType は宛先の種類。
	RecipientType string
	// RecipientID はチャネル固有の宛先。
	RecipientID string
}

// Prepared は保存済みで配信待ちの通知。
type Prepared struct {
	NotificationID string
	EventID        string
	EventType      string
	UserID         string
	Title          string
	Message        string
	Priority       delivery.Priority
	Channels       []delivery.Channel
	Targets        []Target
	ActionURL      string
	ActionText     string
	Buttons        []delivery.Button
	Metadata       json.RawMessage
	// Resumed は既存の通知の未送信分を再開するものかどうか。
	Resumed bool
}

// BuildResult はイベント1件分の通知生成結果。
type BuildResult struct {
	// Prepared は配信すべき通知。
	Prepared []Prepared
	// Created は新規に作成した通知の数。
	Created int
	// Skipped は通知しなかったユーザーの数（フィルタ対象とエラーを含む）。
	Skipped int
	// Duplicates は既に通知が存在したユーザーの数。
	Duplicates int
	// Errors はストレージエラーで処理できなかったユーザーの数。Skippedに含まれる。
	Errors int
	// Reasons は通知しなかった理由ごとの件数。
	Reasons map[string]int
}

// userOutcome はユーザー1人分の処理結果。
type userOutcome int

const (
	outcomeSkipped userOutcome = iota
	outcomeCreated
	outcomeDuplicate
)

// userResult はユーザー1人分の処理結果と配信対象。
type userResult struct {
	outcome  userOutcome
	reason   string
	prepared *Prepared
}

// Builder はイベントから対象ユーザーごとの通知を生成して保存する。
type Builder struct {
	store       Store
	resolver    *render.Resolver
	logger      logrus.FieldLogger
	linkBaseURL string
	concurrency int
	now         func() time.Time
	newID       func() string
}

// BuilderOption はBuilderの設定を変更する関数。
type BuilderOption func(*Builder)

// WithLinkBaseURL は通知のリンク先のベースURLを設定する。
func WithLinkBaseURL(u string) BuilderOption {
	return func(b *Builder) { b.linkBaseURL = u }
}

// WithFanOut はユーザーごとの処理の並列数を設定する。0以下は無視する。
func WithFanOut(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder はBuilderを生成する。
func NewBuilder(store Store, resolver *render.Resolver, logger logrus.FieldLogger, opts ...BuilderOption) *Builder {
	if resolver == nil {
		resolver = render.NewResolver()
	}
	b := &Builder{
		store:       store,
		resolver:    resolver,
		logger:      logger,
		concurrency: defaultFanOut,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build はイベントの対象ユーザーごとに通知を判定・描画・保存する。
// ユーザー単位のエラーはログに記録してスキップし、他のユーザーの処理は続行する。
// 全ユーザーの処理が終わるまで戻らない。
func (b *Builder) Build(ctx context.Context, ev *event.Event) BuildResult {
	result := BuildResult{Reasons: map[string]int{}}
	log := b.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	users := uniqueUsers(ev.TargetUserIDs)
	if len(users) == 0 {
		log.Info("[Builder] 通知対象のユーザーがいません")
		return result
	}

	root := renderRoot(ev)
	results := make([]userResult, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, userID := range users {
		g.Go(func() error {
			results[i] = b.buildForUser(gctx, ev, root, userID, log.WithField("user_id", userID))
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.outcome {
		case outcomeCreated:
			result.Created++
		case outcomeDuplicate:
			result.Duplicates++
		default:
			result.Skipped++
			result.Reasons[r.reason]++
			if r.reason == ReasonError {
				result.Errors++
			}
		}
		if r.prepared != nil {
			result.Prepared = append(result.Prepared, *r.prepared)
		}
	}

	log.WithFields(logrus.Fields{
		"created":    result.Created,
		"skipped":    result.Skipped,
		"duplicates": result.Duplicates,
	}).Info("[Builder] 通知を生成しました")
	return result
}

// buildForUser はユーザー1人分の通知を生成する。
func (b *Builder) buildForUser(ctx context.Context, ev *event.Event, root render.Value, userID string, log logrus.FieldLogger) (res userResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("[Builder] 通知生成中にパニックが発生")
			res = userResult{outcome: outcomeSkipped, reason: ReasonError}
		}
	}()

	existing, err := b.store.GetNotificationByEventAndUser(ctx, ev.ID, userID)
	switch {
	case err == nil:
		return b.resume(ctx, existing, log)
	case !errors.Is(err, db.ErrNotFound):
		log.WithError(err).Error("[Builder] 既存通知の確認に失敗")
		return userResult{outcome: outcomeSkipped, reason: ReasonError}
	}

	settings, err := b.store.GetSettings(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.WithError(err).Error("[Builder] 通知設定の取得に失敗")
		return userResult{outcome: outcomeSkipped, reason: ReasonError}
	}

	decision := ShouldNotify(settings, string(ev.Type))
	if !decision.Notify {
		log.WithField("reason", decision.Reason).Debug("[Builder] 通知対象外のためスキップ")
		return userResult{outcome: outcomeSkipped, reason: decision.Reason}
	}

	templates, err := b.store.ListTemplatesByEventType(ctx, string(ev.Type))
	if err != nil {
		log.WithError(err).Warn("[Builder] テンプレートの取得に失敗したため汎用の内容で通知します")
		templates = nil
	}
	tpl, _ := SelectTemplate(templates)

	channels := decision.Channels
	if tpl != nil {
		channels = restrictChannels(channels, tpl.DefaultChannels)
	}
	if len(channels) == 0 {
		log.Debug("[Builder] 配信可能なチャネルが無いためスキップ")
		return userResult{outcome: outcomeSkipped, reason: ReasonNoChannel}
	}

	c := b.renderContent(ev, tpl, root)
	meta, err := json.Marshal(metadata{Payload: ev.Payload, Buttons: c.buttons})
	if err != nil {
		log.WithError(err).Error("[Builder] メタデータのシリアライズに失敗")
		return userResult{outcome: outcomeSkipped, reason: ReasonError}
	}

	now := b.now()
	p := Prepared{
		NotificationID: b.newID(),
		EventID:        ev.ID,
		EventType:      string(ev.Type),
		UserID:         userID,
		Title:          c.title,
		Message:        c.message,
		Priority:       c.priority,
		Channels:       channels,
		ActionURL:      c.actionURL,
		ActionText:     c.actionText,
		Buttons:        c.buttons,
		Metadata:       meta,
	}
	rows := make([]db.CreateDeliveryParams, 0, len(channels))
	for _, ch := range channels {
		t := Target{
			DeliveryID:    b.newID(),
			Channel:       ch,
			RecipientType: ch.RecipientType(),
			RecipientID:   recipientFor(ch, settings),
		}
		p.Targets = append(p.Targets, t)
		rows = append(rows, db.CreateDeliveryParams{
			ID:            t.DeliveryID,
			Channel:       string(t.Channel),
			RecipientType: t.RecipientType,
			RecipientID:   t.RecipientID,
			CreatedAt:     now,
		})
	}

	err = b.store.CreateNotificationWithDeliveries(ctx, db.CreateNotificationParams{
		ID:         p.NotificationID,
		EventID:    ev.ID,
		OrgID:      ev.OrgID,
		UserID:     userID,
		EventType:  string(ev.Type),
		Title:      p.Title,
		Message:    p.Message,
		Priority:   string(p.Priority),
		Metadata:   meta,
		ActionURL:  p.ActionURL,
		ActionText: p.ActionText,
		CreatedAt:  now,
	}, rows)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			existing, gerr := b.store.GetNotificationByEventAndUser(ctx, ev.ID, userID)
			if gerr == nil {
				return b.resume(ctx, existing, log)
			}
			log.WithError(gerr).Error("[Builder] 重複した通知の取得に失敗")
			return userResult{outcome: outcomeDuplicate}
		}
		log.WithError(err).Error("[Builder] 通知の保存に失敗")
		return userResult{outcome: outcomeSkipped, reason: ReasonError}
	}

	log.WithField("notification_id", p.NotificationID).Debug("[Builder] 通知を保存しました")
	return userResult{outcome: outcomeCreated, prepared: &p}
}

// resume は既存の通知のうち未送信の配信を再開対象として返す。
func (b *Builder) resume(ctx context.Context, n *db.Notification, log logrus.FieldLogger) userResult {
	log = log.WithField("notification_id", n.ID)
	deliveries, err := b.store.ListDeliveriesByNotification(ctx, n.ID)
	if err != nil {
		log.WithError(err).Error("[Builder] 既存通知の配信状態の取得に失敗")
		return userResult{outcome: outcomeDuplicate}
	}

	var targets []Target
	var channels []delivery.Channel
	for _, d := range deliveries {
		if d.Status != db.DeliveryPending {
			continue
		}
		ch := delivery.Channel(d.Channel)
		targets = append(targets, Target{
			DeliveryID:    d.ID,
			Channel:       ch,
			RecipientType: d.RecipientType,
			RecipientID:   d.RecipientID,
		})
		channels = append(channels, ch)
	}
	if len(targets) == 0 {
		log.Debug("[Builder] 通知は処理済みのためスキップ")
		return userResult{outcome: outcomeDuplicate}
	}

	priority, ok := delivery.ParsePriority(n.Priority)
	if !ok {
		priority = delivery.PriorityNormal
	}
	log.WithField("pending", len(targets)).Info("[Builder] 未送信の配信を再開します")
	return userResult{
		outcome: outcomeDuplicate,
		prepared: &Prepared{
			NotificationID: n.ID,
			EventID:        n.EventID,
			EventType:      n.EventType,
			UserID:         n.UserID,
			Title:          n.Title,
			Message:        n.Message,
			Priority:       priority,
			Channels:       channels,
			Targets:        targets,
			ActionURL:      n.ActionURL,
			ActionText:     n.ActionText,
			Buttons:        buttonsFromMetadata(n.Metadata),
			Metadata:       n.Metadata,
			Resumed:        true,
		},
	}
}

// uniqueUsers は空文字列と重複を除いたユーザーIDを元の順序で返す。
func uniqueUsers(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
