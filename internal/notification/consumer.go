package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/stayops/pkg/event"
)

const (
	// defaultPrefetch はブローカーから先読みするメッセージ数の既定値。
	defaultPrefetch = 8
	// reconnectBase は再接続の初回待機時間。
	reconnectBase = time.Second
	// reconnectCap は再接続の待機時間の上限。
	reconnectCap = 30 * time.Second
)

// EventHandler はイベント1件を処理する。*Ingestor が実装する。
type EventHandler interface {
	Ingest(ctx context.Context, ev *event.Event) (Outcome, error)
}

// ConsumerConfig はAMQPコンシューマーの設定。
type ConsumerConfig struct {
	// URL はブローカーの接続先（amqp://...）。
	URL string
	// Exchange はイベントが発行されるtopic exchange。
	Exchange string
	// Queue は通知サービス用のキュー。
	Queue string
	// RoutingKey はキューをexchangeにバインドするキー。
	RoutingKey string
	// Prefetch は先読みするメッセージ数。0以下は既定値。
	Prefetch int
}

// ack はメッセージに対する応答。
type ack int

const (
	ackDone ack = iota
	ackRequeue
)

// Consumer はAMQPのキューからイベントを受信して処理する。
// 接続が切れた場合は待機時間を延ばしながら再接続する。
type Consumer struct {
	cfg     ConsumerConfig
	handler EventHandler
	logger  logrus.FieldLogger
}

// NewConsumer はConsumerを生成する。
func NewConsumer(cfg ConsumerConfig, handler EventHandler, logger logrus.FieldLogger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Run はctxがキャンセルされるまでイベントを受信し続ける。
func (c *Consumer) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = reconnectBase
		}
		c.logger.WithError(err).WithField("retry_in", backoff).Warn("[Consumer] AMQP接続が切断されました。再接続します")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff*2 <= reconnectCap {
			backoff *= 2
		} else {
			backoff = reconnectCap
		}
	}
}

// consume は1回分の接続でメッセージを受信する。接続できたかどうかと切断理由を返す。
func (c *Consumer) consume(ctx context.Context) (bool, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("AMQP接続に失敗: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("AMQPチャネルの作成に失敗: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return false, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("Qosの設定に失敗: %w", err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("キューの購読に失敗: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.WithFields(logrus.Fields{
		"exchange": c.cfg.Exchange,
		"queue":    c.cfg.Queue,
		"prefetch": c.cfg.Prefetch,
	}).Info("[Consumer] イベントの受信を開始しました")

	return true, c.serve(ctx, msgs, closed)
}

// serve は受信したメッセージを最大Prefetch件まで並列に処理する。
// 1件の処理が遅いプロバイダーを待っていても、後続のメッセージの処理は止まらない。
// 戻る前に処理中のメッセージの応答を待つ。
func (c *Consumer) serve(ctx context.Context, msgs <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.Prefetch)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("AMQP接続が閉じられました")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("配信チャネルが閉じられました")
			}
			g.Go(func() error {
				c.handle(ctx, d)
				return nil
			})
		}
	}
}

// declare はexchangeとキューを宣言し、バインドする。
func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchangeの宣言に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗: %w", err)
	}
	return nil
}

// handle はメッセージを処理して応答する。
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.WithField("message_id", d.MessageId)
	switch c.process(ctx, d.Body, log) {
	case ackRequeue:
		if err := d.Nack(false, true); err != nil {
			log.WithError(err).Error("[Consumer] Nackに失敗")
		}
	default:
		if err := d.Ack(false); err != nil {
			log.WithError(err).Error("[Consumer] Ackに失敗")
		}
	}
}

// process はメッセージ本文のイベントを処理し、応答の種類を返す。
// 解析できない、または不正なイベントは再送しても処理できないため破棄する。
// ストレージエラーは再送で回復しうるため再キューする。
func (c *Consumer) process(ctx context.Context, body []byte, log logrus.FieldLogger) ack {
	events, err := event.Decode(body)
	if err != nil {
		log.WithError(err).Warn("[Consumer] メッセージを解析できないため破棄します")
		return ackDone
	}

	result := ackDone
	for i := range events {
		ev := &events[i]
		if _, err := c.handler.Ingest(ctx, ev); err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				log.WithError(err).WithField("event_id", ev.ID).Warn("[Consumer] 不正なイベントを破棄します")
				continue
			}
			log.WithError(err).WithField("event_id", ev.ID).Error("[Consumer] イベントの処理に失敗したため再キューします")
			result = ackRequeue
		}
	}
	return result
}
