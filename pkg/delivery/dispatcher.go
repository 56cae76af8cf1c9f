// Package delivery fans signed activities out to remote inboxes.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"ouka/pkg/activity"
	"ouka/pkg/federation"
	"ouka/pkg/httpsig"
)

var (
	// ErrDelivery is returned for a single receiver whose inbox could not be reached.
	ErrDelivery = errors.New("delivery failed")
	// ErrAllFailed is returned when no receiver of a batch succeeded.
	ErrAllFailed = errors.New("all deliveries failed")
)

// SignedHeaders are covered by every outbound signature, in this order.
var SignedHeaders = []string{httpsig.RequestTarget, "date", "host"}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusLocal     Status = "local"
	StatusFailed    Status = "failed"
)

// Result is the outcome for one receiver.
type Result struct {
	Receiver string
	Inbox    string
	Status   Status
	Err      error
}

// Report lists one Result per receiver, in receiver order.
type Report struct {
	Results []Result
}

// Failed returns the results that did not succeed.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Succeeded counts delivered and local results.
func (r *Report) Succeeded() int {
	return len(r.Results) - len(r.Failed())
}

// Resolver maps a receiver URI to an actor. *federation.Directory implements it.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (federation.Actor, error)
}

// Dispatcher delivers one activity to many receivers concurrently. It keeps
// no state between calls and never retries.
type Dispatcher struct {
	resolver Resolver
	client   federation.HTTPClient
	clock    federation.Clock
	breaker  *HostBreaker
	metrics  *federation.Metrics
	logger   *zap.Logger
}

func NewDispatcher(resolver Resolver, client federation.HTTPClient, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		resolver: resolver,
		client:   client,
		clock:    federation.SystemClock(),
		logger:   logger,
	}
}

func (d *Dispatcher) SetClock(clock federation.Clock) {
	d.clock = clock
}

// SetBreaker skips posts to inbox hosts whose circuit is open.
func (d *Dispatcher) SetBreaker(b *HostBreaker) {
	d.breaker = b
}

func (d *Dispatcher) SetMetrics(m *federation.Metrics) {
	d.metrics = m
}

// Deliver posts doc, signed by source, to every receiver except the public
// collection. Receivers that resolve to local actors are reported as local
// and not posted. The returned error is ErrAllFailed only when every
// receiver failed; the report is returned either way.
func (d *Dispatcher) Deliver(ctx context.Context, source *federation.LocalActor, doc activity.Document, receivers []string) (*Report, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity: %w", err)
	}

	var targets []string
	for _, r := range receivers {
		if !activity.IsPublic(r) {
			targets = append(targets, r)
		}
	}

	report := &Report{Results: make([]Result, len(targets))}
	var wg sync.WaitGroup
	for i, receiver := range targets {
		wg.Add(1)
		go func(i int, receiver string) {
			defer wg.Done()
			start := time.Now()
			res := d.deliverOne(ctx, source, body, receiver)
			d.metrics.ObserveDelivery(string(res.Status), time.Since(start))
			report.Results[i] = res
		}(i, receiver)
	}
	wg.Wait()

	failed := report.Failed()
	for _, res := range failed {
		d.logger.Warn("Delivery failed",
			zap.String("actor", source.URI()),
			zap.String("receiver", res.Receiver),
			zap.String("inbox", res.Inbox),
			zap.Error(res.Err))
	}

	d.logger.Debug("Delivered activity",
		zap.String("actor", source.URI()),
		zap.String("type", doc.Type()),
		zap.Int("receivers", len(targets)),
		zap.Int("failed", len(failed)))

	if len(targets) > 0 && len(failed) == len(targets) {
		return report, fmt.Errorf("%w: %d receivers", ErrAllFailed, len(targets))
	}
	return report, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, source *federation.LocalActor, body []byte, receiver string) Result {
	res := Result{Receiver: receiver}

	actor, err := d.resolver.Resolve(ctx, receiver)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Inbox = actor.Inbox()

	switch actor.(type) {
	case *federation.LocalActor:
		res.Status = StatusLocal
		return res
	case *federation.RemoteActor:
	default:
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: unsupported actor %T", ErrDelivery, actor)
		return res
	}

	headers, err := d.sign(source, res.Inbox, body)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: %w", ErrDelivery, err)
		return res
	}

	host := headers["Host"]
	if !d.breaker.Allow(host) {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: %s", ErrCircuitOpen, host)
		return res
	}

	err = d.client.Post(ctx, res.Inbox, body, headers)
	if hostDown(err) {
		d.breaker.Failure(host)
	} else {
		d.breaker.Success(host)
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: %s: %w", ErrDelivery, res.Inbox, err)
		return res
	}

	res.Status = StatusDelivered
	return res
}

// sign builds the request headers for a POST of body to inbox.
func (d *Dispatcher) sign(source *federation.LocalActor, inbox string, body []byte) (map[string]string, error) {
	u, err := url.Parse(inbox)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid inbox %q", inbox)
	}

	headers := map[string]string{
		"date":   d.clock.Now().UTC().Format(http.TimeFormat),
		"host":   u.Host,
		"digest": httpsig.Digest(body),
	}

	signingString := httpsig.BuildSigningString(SignedHeaders, http.MethodPost, u.RequestURI(), headers)
	signature, err := httpsig.Sign(source.Keyring.Private, signingString)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return map[string]string{
		"Date":         headers["date"],
		"Host":         headers["host"],
		"Digest":       headers["digest"],
		"Content-Type": federation.ContentType,
		"Signature": httpsig.Encode(&httpsig.Signature{
			KeyID:     source.KeyID(),
			Headers:   SignedHeaders,
			Signature: signature,
		}),
	}, nil
}
