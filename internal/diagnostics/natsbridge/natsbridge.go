// Package natsbridge optionally republishes operator liveness snapshots
// onto a NATS subject for an external dashboard, using the same
// traceparent-propagating publish helper the teacher's services use
// (natsctx.go). It is off by default — a dagrun pipeline runs correctly
// with no NATS connection at all.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagrun/internal/operator"
	"github.com/swarmguard/dagrun/internal/resilience"
)

var propagator = propagation.TraceContext{}

const tracerName = "dagrun-nats"

// snapshot is the wire payload published for one operator.
type snapshot struct {
	Operator         string `json:"operator"`
	Running          bool   `json:"running"`
	StartRunningTime uint64 `json:"start_running_time_usec"`
	Total            uint64 `json:"total"`
	Failed           uint64 `json:"failed"`
	PublishedAtUsec  uint64 `json:"published_at_usec"`
}

// Bridge periodically republishes every operator's Info snapshot from an
// InfoRegistry onto subject.
type Bridge struct {
	nc      *nats.Conn
	subject string
	info    *operator.InfoRegistry
	names   []string
	breaker *resilience.CircuitBreaker
}

// New constructs a Bridge that will publish snapshots for the given
// operator names. nc must already be connected; New does not dial.
func New(nc *nats.Conn, subject string, info *operator.InfoRegistry, operatorNames []string) *Bridge {
	return &Bridge{
		nc:      nc,
		subject: subject,
		info:    info,
		names:   operatorNames,
		breaker: resilience.NewCircuitBreakerAdaptive(10*time.Second, 10, 5, 0.5, 2*time.Second, 2),
	}
}

// PublishOnce publishes one snapshot per known operator name. A publish is
// skipped (not retried) while the circuit breaker is open, since a
// best-effort diagnostics feed should shed load rather than queue it up
// behind a struggling NATS server.
func (b *Bridge) PublishOnce(ctx context.Context) error {
	now := uint64(time.Now().UnixMicro())
	var lastErr error
	for _, name := range b.names {
		info, ok := b.info.Get(name)
		if !ok {
			continue
		}
		snap := snapshot{
			Operator:         name,
			Running:          info.Running,
			StartRunningTime: info.StartRunningTime,
			Total:            info.Total,
			Failed:           info.Failed,
			PublishedAtUsec:  now,
		}
		data, err := json.Marshal(snap)
		if err != nil {
			lastErr = err
			continue
		}
		if !b.breaker.Allow() {
			continue
		}
		err = publish(ctx, b.nc, b.subject, data)
		b.breaker.RecordResult(err == nil)
		if err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Run publishes on interval until ctx is canceled.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.PublishOnce(ctx)
		}
	}
}

// publish injects the current trace context into NATS headers and
// publishes, matching the teacher's natsctx.Publish helper.
func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsbridge: publish: %w", err)
	}
	return nil
}

// Subscribe wraps nc.Subscribe, extracting trace context per message and
// starting a consumer span around handler — used by diagnostic tooling
// that wants to observe the same feed this bridge produces.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer(tracerName)
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
