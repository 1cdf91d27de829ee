package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

var ErrPublishNacked = errors.New("broker rejected publish")

func declareSendQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

// AMQPSender publishes send jobs to RabbitMQ and waits for publisher confirms.
type AMQPSender struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	queue    string
	nextTag  uint64
}

func DialAMQPSender(url, queueName string) (*AMQPSender, error) {
	if queueName == "" {
		queueName = TopicCampaignSends
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := declareSendQueue(ch, queueName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPSender{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		queue:    queueName,
	}, nil
}

// Send returns nil only once the broker has confirmed the publish.
func (s *AMQPSender) Send(ctx context.Context, job model.SendJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.AttemptID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: int32(0)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	s.nextTag++
	tag := s.nextTag

	for {
		select {
		case c, ok := <-s.confirms:
			if !ok {
				return errors.New("confirm channel closed")
			}
			// Confirms for earlier publishes whose sender gave up.
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	return s.conn.Close()
}

// Delivery is one job handed to a worker. Ack must be called exactly once
// with the processing outcome, after the worker has recorded its progress
// in Job.Delivered.
type Delivery struct {
	Job *model.SendJob
	Ack func(err error)
}

// AMQPConsumer reads send jobs with manual acknowledgement. Failed jobs are
// republished with an incremented retry header until MaxRedeliveries. The
// republished body carries the recipients already delivered.
type AMQPConsumer struct {
	conn            *amqp.Connection
	ch              *amqp.Channel
	pubMu           sync.Mutex
	queue           string
	MaxRedeliveries int
	log             zerolog.Logger
}

func DialAMQPConsumer(url, queueName string, prefetch int, log zerolog.Logger) (*AMQPConsumer, error) {
	if queueName == "" {
		queueName = TopicCampaignSends
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := declareSendQueue(ch, queueName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return &AMQPConsumer{conn: conn, ch: ch, queue: queueName, MaxRedeliveries: 3, log: log}, nil
}

// Deliveries starts consuming. The returned channel closes when ctx is done
// or the broker closes the subscription.
func (c *AMQPConsumer) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				job := &model.SendJob{}
				if err := json.Unmarshal(d.Body, job); err != nil {
					c.log.Warn().Err(err).Msg("invalid job, dropping")
					_ = d.Ack(false)
					continue
				}
				select {
				case out <- Delivery{Job: job, Ack: c.acker(d, job)}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *AMQPConsumer) acker(d amqp.Delivery, job *model.SendJob) func(error) {
	return func(err error) {
		if err == nil {
			_ = d.Ack(false)
			return
		}
		retries := headerInt(d.Headers, retryHeader)
		if retries >= c.MaxRedeliveries {
			c.log.Error().Err(err).Str("campaign_id", job.CampaignID).Str("attempt_id", job.AttemptID).
				Int("redeliveries", retries).Strs("undelivered", job.Remaining()).Msg("dropping job after redeliveries")
			_ = d.Ack(false)
			return
		}
		if perr := c.republish(d, job, retries+1); perr != nil {
			c.log.Warn().Err(perr).Str("campaign_id", job.CampaignID).Msg("republish failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

func (c *AMQPConsumer) republish(d amqp.Delivery, job *model.SendJob, retries int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries)

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.Publish("", c.queue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

func (c *AMQPConsumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	return c.conn.Close()
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
