package idem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/connector"
)

// CompletionEvent 幂等操作完成后发布的事件
type CompletionEvent struct {
	Route       string    `json:"route"`
	Method      string    `json:"method"`
	Key         string    `json:"key"`
	StatusCode  int       `json:"status_code"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// publisher 完成事件发布器
// 事件通过有界通道提交给受监督的 worker 协程发送，
// 单条发布失败记录日志，通道满时丢弃并计数。不做静默的 fire-and-forget。
type publisher struct {
	conn    connector.NATSConnector
	subject string
	logger  clog.Logger
	metrics *idemMetrics
	ch      chan CompletionEvent
	done    chan struct{}
	once    sync.Once
}

const publisherQueueSize = 256

func newPublisher(conn connector.NATSConnector, subject string, logger clog.Logger, m *idemMetrics) *publisher {
	p := &publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
		metrics: m,
		ch:      make(chan CompletionEvent, publisherQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.done)
	for ev := range p.ch {
		data, err := json.Marshal(ev)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("failed to marshal completion event", clog.Error(err), clog.String("key", ev.Key))
			}
			continue
		}
		nc := p.conn.GetClient()
		if nc == nil {
			if p.logger != nil {
				p.logger.Warn("nats connection unavailable, dropping completion event", clog.String("key", ev.Key))
			}
			continue
		}
		if err := nc.Publish(p.subject, data); err != nil {
			if p.logger != nil {
				p.logger.Error("failed to publish completion event",
					clog.Error(err), clog.String("subject", p.subject), clog.String("key", ev.Key))
			}
		}
	}
}

// publish 非阻塞提交事件，队列满时丢弃并计数
func (p *publisher) publish(ctx context.Context, ev CompletionEvent) {
	select {
	case p.ch <- ev:
	default:
		if p.metrics != nil && p.metrics.dropped != nil {
			p.metrics.dropped.Inc(ctx)
		}
		if p.logger != nil {
			p.logger.Warn("completion event queue full, event dropped", clog.String("key", ev.Key))
		}
	}
}

// close 停止 worker 并等待在途事件发完
func (p *publisher) close() {
	p.once.Do(func() {
		close(p.ch)
		<-p.done
	})
}
