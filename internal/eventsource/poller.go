package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/cenkalti/backoff/v4"

	"localcloud/internal/api"
	"localcloud/internal/intrinsics"
	"localcloud/pkg/logging"
)

const pollerSubsystem = "EventSource"

const (
	pollBaseInterval = 200 * time.Millisecond
	pollMaxInterval  = 5 * time.Second
)

// PollerConfig binds one queue to one consuming function.
type PollerConfig struct {
	Queue     string
	Function  string
	BatchSize int
	Enabled   bool
}

// Poller bridges a pull-based queue to a function. Its loop receives up to
// a batch of messages, invokes the function once with a synthesized batch
// event, and acknowledges every message only when the invocation succeeds.
// An empty receive backs the loop off exponentially; a non-empty one
// resets the backoff.
type Poller struct {
	cfg      PollerConfig
	consumer api.QueueConsumer
	invoker  api.FunctionInvoker

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(cfg PollerConfig, consumer api.QueueConsumer, invoker api.FunctionInvoker) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Poller{cfg: cfg, consumer: consumer, invoker: invoker}
}

// Start launches the poll loop. Disabled mappings register but never poll.
func (p *Poller) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		logging.Info(pollerSubsystem, "poller %s -> %s registered but disabled", p.cfg.Queue, p.cfg.Function)
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
	logging.Info(pollerSubsystem, "poller started: queue %s -> function %s (batch %d)",
		p.cfg.Queue, p.cfg.Function, p.cfg.BatchSize)
}

// Stop cancels the loop and waits for the in-flight cycle to finish, up to
// the context deadline.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller %s -> %s did not stop in time: %w", p.cfg.Queue, p.cfg.Function, ctx.Err())
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = pollBaseInterval
	wait.MaxInterval = pollMaxInterval
	wait.MaxElapsedTime = 0
	wait.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		// Everything in the cycle is caught and logged so the poller
		// survives transient failures.
		delivered := p.cycle(ctx)
		if delivered {
			wait.Reset()
			continue
		}
		if !sleep(ctx, wait.NextBackOff()) {
			return
		}
	}
}

// cycle performs one receive-invoke-ack round. It reports whether messages
// were delivered, which resets the backoff.
func (p *Poller) cycle(ctx context.Context) bool {
	msgs, err := p.consumer.ReceiveMessages(ctx, p.cfg.Queue, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logging.Error(pollerSubsystem, err, "receive from queue %s failed", p.cfg.Queue)
		}
		return false
	}
	if len(msgs) == 0 {
		return false
	}

	event, err := json.Marshal(p.batchEvent(msgs))
	if err != nil {
		logging.Error(pollerSubsystem, err, "failed to encode batch event for queue %s", p.cfg.Queue)
		return false
	}

	res, err := p.invoker.Invoke(ctx, api.InvocationRequest{
		FunctionName: p.cfg.Function,
		Payload:      event,
	})
	if err != nil {
		if ctx.Err() == nil {
			logging.Error(pollerSubsystem, err, "invocation of %s failed", p.cfg.Function)
		}
		return false
	}
	if res.Failed() {
		// Leave the batch to redeliver after visibility expires.
		logging.Warn(pollerSubsystem, "function %s returned %s: %s; batch of %d left for redelivery",
			p.cfg.Function, res.Error.Type, res.Error.Message, len(msgs))
		return false
	}

	for _, m := range msgs {
		if err := p.consumer.DeleteMessage(ctx, p.cfg.Queue, m.ReceiptHandle); err != nil {
			logging.Error(pollerSubsystem, err, "failed to acknowledge message %s on queue %s", m.ID, p.cfg.Queue)
		}
	}
	logging.Debug(pollerSubsystem, "delivered batch of %d from %s to %s", len(msgs), p.cfg.Queue, p.cfg.Function)
	return true
}

func (p *Poller) batchEvent(msgs []api.Message) events.SQSEvent {
	arn := p.consumer.QueueArn(p.cfg.Queue)
	records := make([]events.SQSMessage, 0, len(msgs))
	for _, m := range msgs {
		attrs := map[string]events.SQSMessageAttribute{}
		for k, v := range m.Attributes {
			value := v
			attrs[k] = events.SQSMessageAttribute{DataType: "String", StringValue: &value}
		}
		records = append(records, events.SQSMessage{
			MessageId:         m.ID,
			ReceiptHandle:     m.ReceiptHandle,
			Body:              m.Body,
			Attributes:        m.SystemAttributes,
			MessageAttributes: attrs,
			EventSourceARN:    arn,
			EventSource:       "aws:sqs",
			AWSRegion:         intrinsics.LocalRegion,
		})
	}
	return events.SQSEvent{Records: records}
}

// sleep waits for d or until the context is cancelled, reporting whether
// the loop should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
