package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const DefaultRabbitQueue = "relaysync_status"

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes status events as persistent JSON messages to a
// durable queue on the default exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	queue    string
	logger   zerolog.Logger
	mu       sync.Mutex
	declared bool
}

var _ relaysync.EventSink = (*RabbitPublisher)(nil)

func NewRabbitPublisher(url, queue string, logger zerolog.Logger) (*RabbitPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	publisher := newRabbitPublisher(channel, queue, logger)
	publisher.conn = conn
	logger.Info().Str("queue", publisher.queue).Msg("rabbitmq status publisher connected")
	return publisher, nil
}

func newRabbitPublisher(channel amqpChannel, queue string, logger zerolog.Logger) *RabbitPublisher {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = DefaultRabbitQueue
	}
	return &RabbitPublisher{channel: channel, queue: queue, logger: logger}
}

func (p *RabbitPublisher) Publish(ctx context.Context, event relaysync.StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.declared {
		if _, err := p.channel.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
			p.logger.Error().Err(err).Str("queue", p.queue).Msg("declare rabbitmq queue failed")
			return err
		}
		p.declared = true
	}
	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(event.Type),
		Timestamp:    event.Timestamp,
		Body:         body,
	})
	if err != nil {
		p.logger.Error().Err(err).
			Str("queue", p.queue).
			Str("workspace", event.WorkspaceID).
			Str("event", string(event.Type)).
			Msg("publish to rabbitmq failed")
		return err
	}
	p.logger.Debug().Str("queue", p.queue).Str("event", string(event.Type)).Msg("published status event to rabbitmq")
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
