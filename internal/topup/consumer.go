// Package topup consumes balance top-up events from RabbitMQ and
// applies them as positive ledger entries. Payment processing lives in
// a separate system; it publishes one durable message per settled
// payment and this consumer is the only path from that system into
// the ledger.
//
// Delivery semantics: messages are acked only after the ledger entry
// is committed. Malformed messages are rejected without requeue (they
// would never succeed); store errors nack with requeue so a transient
// database outage retries instead of dropping money.
package topup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	prefetchCount        = 16
)

// Event is the wire format of one top-up message. Either AccountID or
// Identity must be set; Amount is a decimal credit string.
type Event struct {
	AccountID int64  `json:"account_id,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// Consumer reads top-up events from a durable queue and records them
// through the billing service.
type Consumer struct {
	url   string
	queue string
	svc   *billing.Service
	store billing.Store
	log   zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(url, queue string, svc *billing.Service, store billing.Store, logger zerolog.Logger) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		url:    url,
		queue:  queue,
		svc:    svc,
		store:  store,
		log:    logger.With().Str("component", "topup_consumer").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.Info().Str("queue", c.queue).Msg("connected to rabbitmq")

	go c.monitorConnection(conn)
	return nil
}

func (c *Consumer) monitorConnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err := <-notifyClose:
		if err != nil {
			c.log.Error().Err(err).Msg("rabbitmq connection closed unexpectedly")
			c.reconnect()
		}
	case <-c.ctx.Done():
	}
}

func (c *Consumer) reconnect() {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		c.log.Info().Int("attempt", attempt).Msg("reconnecting to rabbitmq")
		if err := c.connect(); err != nil {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		if err := c.consume(); err != nil {
			c.log.Error().Err(err).Msg("failed to resume consuming")
			continue
		}
		return
	}
	c.log.Error().Msg("gave up reconnecting to rabbitmq")
}

// Start begins consuming. Returns once the consume loop is running.
func (c *Consumer) Start() error {
	return c.consume()
}

func (c *Consumer) consume() error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	deliveries, err := ch.Consume(
		c.queue,
		"kepler-topup", // consumer tag
		false,          // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handle(d)
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	var event Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.log.Error().Err(err).Msg("malformed top-up event, rejecting")
		_ = d.Reject(false)
		return
	}

	amount, err := billing.ParseAmount(event.Amount)
	if err != nil || amount <= 0 {
		c.log.Error().Err(err).Str("amount", event.Amount).Msg("invalid top-up amount, rejecting")
		_ = d.Reject(false)
		return
	}

	accountID := event.AccountID
	if accountID == 0 && event.Identity != "" {
		account, err := c.store.AccountByIdentity(ctx, event.Identity)
		if err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				c.log.Error().Str("identity", event.Identity).Msg("top-up for unknown identity, rejecting")
				_ = d.Reject(false)
				return
			}
			c.log.Error().Err(err).Msg("identity lookup failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		accountID = account.ID
	}

	description := "balance top-up"
	if event.Reference != "" {
		description = "balance top-up " + event.Reference
	}

	if _, err := c.svc.TopUp(ctx, accountID, amount, description); err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			c.log.Error().Int64("account_id", accountID).Msg("top-up for unknown account, rejecting")
			_ = d.Reject(false)
			return
		}
		c.log.Error().Err(err).Int64("account_id", accountID).Msg("top-up failed, requeueing")
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
	c.log.Info().
		Int64("account_id", accountID).
		Str("amount", amount.String()).
		Str("reference", event.Reference).
		Msg("top-up applied")
}

// Close stops consuming and tears the connection down after in-flight
// deliveries finish.
func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.log.Info().Msg("top-up consumer stopped")
}
