// Package webhook dispatches bus events to configured webhook URLs (spec
// §4.6), one queued worker per URL with HMAC-signed bodies and a capped
// retry curve.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/warthog618/smsgw/internal/eventbus"
)

// DefaultBacklog is the default bounded backlog depth per URL (spec §4.6).
const DefaultBacklog = 64

// retryCurve is the fixed backoff schedule between delivery attempts
// (spec §4.6): entry i is the wait after failed attempt i+1.
var retryCurve = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// Endpoint configures a single webhook destination.
type Endpoint struct {
	URL     string
	Secret  string
	RootCAs []byte // optional PEM-encoded custom root CA
	Backlog int
}

// Dispatcher owns one Worker per configured Endpoint.
type Dispatcher struct {
	workers []*worker
	logger  *log.Logger
}

// New creates a Dispatcher with one worker per endpoint, subscribed to bus
// for every event kind.
func New(bus *eventbus.Bus, endpoints []Endpoint, logger *log.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{logger: logger}
	for _, ep := range endpoints {
		w, err := newWorker(ep, logger)
		if err != nil {
			return nil, err
		}
		d.workers = append(d.workers, w)
		backlog := ep.Backlog
		if backlog <= 0 {
			backlog = DefaultBacklog
		}
		sub := bus.SubscribeDepth(backlog, eventbus.Drop)
		go w.run(sub)
	}
	return d, nil
}

// Close signals every worker to stop and returns without waiting for them.
// A worker that is waiting between retry attempts abandons that delivery.
func (d *Dispatcher) Close() {
	for _, w := range d.workers {
		close(w.stop)
	}
}

type worker struct {
	endpoint Endpoint
	client   *http.Client
	stop     chan struct{}
	logger   *log.Logger
}

func newWorker(ep Endpoint, logger *log.Logger) (*worker, error) {
	client := http.DefaultClient
	if len(ep.RootCAs) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ep.RootCAs) {
			return nil, fmt.Errorf("webhook: no certificates parsed from root CA for %s", ep.URL)
		}
		client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		}
	}
	return &worker{endpoint: ep, client: client, stop: make(chan struct{}), logger: logger}, nil
}

// run pulls events delivered to sub and POSTs them to the endpoint,
// preserving per-URL delivery order (spec §5); it returns when the
// dispatcher is closed or the subscription is severed.
func (w *worker) run(sub *eventbus.Subscriber) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			w.deliver(ev)
		}
	}
}

func (w *worker) deliver(ev eventbus.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Printf("webhook: marshal event %d: %v", ev.ID, err)
		return
	}
	sig := sign(w.endpoint.Secret, body)
	for attempt := 0; attempt < len(retryCurve)+1; attempt++ {
		select {
		case <-w.stop:
			return
		default:
		}
		status, err := w.post(body, sig, ev.ID)
		if err == nil && status >= 200 && status < 300 {
			return
		}
		if err == nil && status >= 400 && status < 500 {
			w.logger.Printf("webhook: %s returned %d for event %d, not retrying", w.endpoint.URL, status, ev.ID)
			return
		}
		if attempt == len(retryCurve) {
			w.logger.Printf("webhook: %s exhausted retries for event %d", w.endpoint.URL, ev.ID)
			return
		}
		delay := retryCurve[attempt]
		w.logger.Printf("webhook: %s delivery attempt %d for event %d failed (%v), retrying in %v", w.endpoint.URL, attempt+1, ev.ID, err, delay)
		select {
		case <-time.After(delay):
		case <-w.stop:
			return
		}
	}
}

func (w *worker) post(body, sig []byte, eventID uint64) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+string(sig))
	req.Header.Set("X-Event-Id", strconv.FormatUint(eventID, 10))
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign computes the hex-encoded HMAC-SHA256 of body using secret, per
// spec §6's X-Signature header. Exported so callers (and tests) can verify
// a received webhook's signature.
func Sign(secret string, body []byte) []byte {
	return sign(secret, body)
}

func sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	dst := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(dst, sum)
	return dst
}
