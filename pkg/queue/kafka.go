// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/segmentio/kafka-go"

	"github.com/arrowarc/lakesync/pkg/logging"
)

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer sends batch messages keyed by team and schema. The hash
// balancer maps a key to a fixed partition.
type KafkaProducer struct {
	w messageWriter
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &KafkaProducer{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}, nil
}

func (p *KafkaProducer) Send(ctx context.Context, msg BatchMessage) error {
	value, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Key()), Value: value}); err != nil {
		return fmt.Errorf("sending batch %d of %s: %w", msg.BatchIndex, msg.Key(), err)
	}
	return nil
}

func (p *KafkaProducer) Close() error { return p.w.Close() }

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer hands messages to a Handler and commits each offset only
// after the handler succeeded, so a failed batch is redelivered.
type KafkaConsumer struct {
	r       messageReader
	handler Handler
	logger  log.Logger
}

func NewKafkaConsumer(cfg KafkaConfig, handler Handler, logger log.Logger) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: group_id is required to consume")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &KafkaConsumer{r: r, handler: handler, logger: logging.OrNop(logger)}, nil
}

// Run consumes until ctx is done or the handler fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("fetching message: %w", err)
		}

		msg, err := Decode(m.Value)
		if err != nil {
			level.Error(c.logger).Log("msg", "skipping undecodable message", "partition", m.Partition, "offset", m.Offset, "err", err)
		} else if err := c.handler.Handle(ctx, msg); err != nil {
			return fmt.Errorf("handling batch %d of %s: %w", msg.BatchIndex, msg.Key(), err)
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("committing offset %d: %w", m.Offset, err)
		}
	}
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }
