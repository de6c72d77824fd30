// Package events publishes freshly built dispatch result sets to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

// ResultSetEvent summarizes one enriched date range.
type ResultSetEvent struct {
	Start     string         `json:"start"`
	End       string         `json:"end"`
	Rows      int            `json:"rows"`
	Dropped   int            `json:"dropped"`
	Synthetic bool           `json:"synthetic"`
	Cells     map[string]int `json:"cells,omitempty"`
	Districts map[string]int `json:"districts,omitempty"`
	TS        time.Time      `json:"ts"`
}

type Sink interface {
	Publish(ev ResultSetEvent)
	Close() error
}

type Nop struct{}

func (Nop) Publish(ResultSetEvent) {}
func (Nop) Close() error           { return nil }

type Publisher struct {
	topic   string
	events  chan ResultSetEvent
	prod    sarama.AsyncProducer
	log     *slog.Logger
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return cfg
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	prod, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wires an existing producer; it takes ownership and closes it on Close.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan ResultSetEvent, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("events: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Start + ".." + ev.End),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("events: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish never blocks the request path: a full queue drops the event.
func (p *Publisher) Publish(ev ResultSetEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		observability.EventDropped()
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
