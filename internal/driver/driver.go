// Package driver owns the single serial connection to the modem, generalizing
// the teacher's internal/modem (GSMModem.monitor/sender) and internal/sender
// (Sender.Run) into one component: a FIFO request queue serialized onto the
// modem, reconnect-with-backoff, multipart SMS send, and URC-to-event-bus
// routing (spec §4.4-§4.6, §5).
package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/warthog618/modem/gsm"
	"github.com/warthog618/modem/serial"
	"github.com/warthog618/modem/trace"
	"github.com/warthog618/sms/encoding/pdumode"

	"github.com/warthog618/smsgw/internal/eventbus"
	"github.com/warthog618/smsgw/internal/smscodec"
	"github.com/warthog618/smsgw/internal/store"
)

// Errors returned by Driver operations (spec §7).
var (
	ErrModemBusy      = errors.New("driver: request queue full")
	ErrTimeout        = errors.New("driver: request timed out")
	ErrLinkLost       = errors.New("driver: modem link lost")
	ErrPduEncodeError = errors.New("driver: failed to encode PDU")
)

// ModemError wraps an AT/CME/CMS error returned by the modem itself.
type ModemError struct{ Err error }

func (e *ModemError) Error() string { return "driver: modem error: " + e.Err.Error() }
func (e *ModemError) Unwrap() error { return e.Err }

const (
	// DefaultQueueDepth is the default bounded request-queue capacity (spec §7 ModemBusy).
	DefaultQueueDepth = 1024
	// DefaultCommandTimeout bounds ordinary AT commands.
	DefaultCommandTimeout = 10 * time.Second
	// DefaultSendTimeout bounds a single AT+CMGS segment.
	DefaultSendTimeout = 120 * time.Second
	// DefaultInitTimeout bounds the modem init script after reconnecting.
	DefaultInitTimeout = 10 * time.Second
	// DefaultGnssPollInterval is the default period between GNSS fix polls
	// (spec §4.5's GnssFix event kind): there is no GNSS URC for this modem
	// class, so the driver polls the same +CGNSINF command the HTTP
	// adapter's GET /gnss/location route issues on demand.
	DefaultGnssPollInterval = 30 * time.Second
)

// Config configures a Driver.
type Config struct {
	ComPort          string
	BaudRate         int
	QueueDepth       int
	CommandTimeout   time.Duration
	SendTimeout      time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Trace            *log.Logger   // optional: logs raw reads/writes via warthog618/modem/trace
	CNMI             string        // AT+CNMI parameters, spec §9 open question resolved to "2,2,2,1,0"
	GnssPollInterval time.Duration // period between +CGNSINF polls; 0 selects DefaultGnssPollInterval
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 100 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Second
	}
	if c.CNMI == "" {
		c.CNMI = "2,2,2,1,0"
	}
	if c.GnssPollInterval <= 0 {
		c.GnssPollInterval = DefaultGnssPollInterval
	}
}

// Driver owns the serial connection and serializes all AT traffic onto it.
type Driver struct {
	cfg    Config
	bus    *eventbus.Bus
	store  *store.Store
	logger *log.Logger
	reqCh  chan *pendingRequest

	mu       sync.Mutex
	incoming map[incomingKey]map[byte]smscodec.Deliver

	// dial opens the next connection attempt. It defaults to dialSerial
	// (the real serial port); tests substitute a mock modem here.
	dial func(ctx context.Context) (*gsm.GSM, error)
}

// New creates a Driver. Run must be called to start the connection.
func New(cfg Config, bus *eventbus.Bus, st *store.Store, logger *log.Logger) *Driver {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	d := &Driver{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		logger:   logger,
		reqCh:    make(chan *pendingRequest, cfg.QueueDepth),
		incoming: make(map[incomingKey]map[byte]smscodec.Deliver),
	}
	d.dial = d.dialSerial
	return d
}

// Run starts the reconnect/monitor loop in the background. It returns
// immediately; the connection and all subsequent traffic happen on an
// internal goroutine, matching the teacher's GSMModem.Connect.
func (d *Driver) Run(ctx context.Context) {
	go d.monitor(ctx)
}

// requestExec performs one unit of work against the live *gsm.GSM connection.
type requestExec func(ctx context.Context, g *gsm.GSM) (any, error)

type pendingRequest struct {
	ctx     context.Context
	timeout time.Duration
	exec    requestExec
	result  chan requestResult
}

type requestResult struct {
	value any
	err   error
}

// monitor owns reconnection, generalizing GSMModem.monitor: open the serial
// port, run the init script, then serve the request queue until the link is
// lost, backing off and retrying on any failure.
func (d *Driver) monitor(ctx context.Context) {
	connect := time.NewTimer(0)
	b := &backoff.Backoff{Min: d.cfg.ReconnectMin, Max: d.cfg.ReconnectMax}
	for {
		select {
		case <-ctx.Done():
			if !connect.Stop() {
				<-connect.C
			}
			d.drainWithError(ErrLinkLost)
			return
		case <-connect.C:
			g, err := d.dial(ctx)
			if err != nil {
				d.logger.Printf("driver: connect %s: %v", d.cfg.ComPort, err)
				connect.Reset(b.Duration())
				continue
			}
			b.Reset()
			d.logger.Printf("driver: connected %s", d.cfg.ComPort)
			d.bus.Publish(eventbus.KindModemLinkState, LinkState{Connected: true})
			stopInd := d.watchIndications(g)
			stopGnss := d.startGnssPoll(ctx)
			d.serve(ctx, g)
			stopGnss()
			stopInd()
			d.bus.Publish(eventbus.KindModemLinkState, LinkState{Connected: false})
			select {
			case <-ctx.Done():
				d.drainWithError(ErrLinkLost)
				return
			default:
				connect.Reset(b.Duration())
			}
		}
	}
}

func (d *Driver) dialSerial(ctx context.Context) (*gsm.GSM, error) {
	s, err := serial.New(d.cfg.ComPort, d.cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	var g *gsm.GSM
	if d.cfg.Trace != nil {
		g = gsm.New(trace.New(s, d.cfg.Trace))
	} else {
		g = gsm.New(s)
	}
	if err := d.initModem(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// initModem puts g into PDU mode and runs the fixed init script (spec §4.4).
func (d *Driver) initModem(ctx context.Context, g *gsm.GSM) error {
	g.SetPDUMode()
	ictx, cancel := context.WithTimeout(ctx, DefaultInitTimeout)
	defer cancel()
	if err := g.Init(ictx); err != nil {
		return err
	}
	for _, cmd := range []string{"+CMEE=1", "+CNMI=" + d.cfg.CNMI} {
		if _, err := g.Command(ictx, cmd); err != nil {
			return fmt.Errorf("AT%s: %w", cmd, err)
		}
	}
	return nil
}

// serve pulls requests off reqCh and executes them one at a time against g,
// until the connection closes or ctx is done.
func (d *Driver) serve(ctx context.Context, g *gsm.GSM) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.Closed():
			return
		case req := <-d.reqCh:
			rctx, cancel := context.WithTimeout(req.ctx, req.timeout)
			v, err := req.exec(rctx, g)
			cancel()
			req.result <- requestResult{value: v, err: classifyError(err)}
		}
	}
}

// drainWithError fails every request still sitting in the queue once the
// driver is shutting down for good, so callers don't block forever.
func (d *Driver) drainWithError(err error) {
	for {
		select {
		case req := <-d.reqCh:
			req.result <- requestResult{err: err}
		default:
			return
		}
	}
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case context.DeadlineExceeded:
		return ErrTimeout
	case context.Canceled:
		return err
	default:
		return &ModemError{Err: err}
	}
}

// submit enqueues exec and waits for its result, or ErrModemBusy if the
// queue is full, or ErrTimeout if ctx expires before a result arrives.
func (d *Driver) submit(ctx context.Context, timeout time.Duration, exec requestExec) (any, error) {
	req := &pendingRequest{ctx: ctx, timeout: timeout, exec: exec, result: make(chan requestResult, 1)}
	select {
	case d.reqCh <- req:
	default:
		return nil, ErrModemBusy
	}
	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Command issues a plain AT command through the serialized queue (spec §4.4).
func (d *Driver) Command(ctx context.Context, cmd string) ([]string, error) {
	v, err := d.submit(ctx, d.cfg.CommandTimeout, func(cctx context.Context, g *gsm.GSM) (any, error) {
		return g.Command(cctx, cmd)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// SendSMS encodes text to number, persists the outgoing message, and submits
// one AT+CMGS request per segment in order. The message is stored as a
// single row whatever its segment count; only the final segment's modem
// reference is recorded on that row and registered for delivery-report
// reconciliation (spec §4.4, stated limitation).
func (d *Driver) SendSMS(ctx context.Context, number, text string) (int64, error) {
	segs, err := smscodec.Encode(number, text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPduEncodeError, err)
	}
	messageID, err := d.store.InsertOutgoing(number, text)
	if err != nil {
		return 0, err
	}

	var lastMR string
	for _, seg := range segs {
		tpdu := seg.TPDU
		v, err := d.submit(ctx, d.cfg.SendTimeout, func(cctx context.Context, g *gsm.GSM) (any, error) {
			return g.SendSMSPDU(cctx, tpdu)
		})
		if err != nil {
			d.store.RecordFailure(messageID, err.Error())
			d.bus.Publish(eventbus.KindOutgoingSmsFailed, OutgoingSmsFailed{MessageID: messageID, Number: number, Error: err.Error()})
			return messageID, err
		}
		lastMR = v.(string)
	}

	if mr, err := strconv.ParseUint(strings.TrimSpace(lastMR), 10, 8); err == nil {
		if err := d.store.SetMessageReference(messageID, int(mr)); err != nil {
			d.logger.Printf("driver: set message reference %d on message %d: %v", mr, messageID, err)
		}
		if err := d.store.RegisterPendingReference(int(mr), messageID); err != nil {
			d.logger.Printf("driver: register pending reference %d for message %d: %v", mr, messageID, err)
		}
	}
	d.bus.Publish(eventbus.KindOutgoingSmsCompleted, OutgoingSmsCompleted{MessageID: messageID, Number: number})
	return messageID, nil
}

// LinkState reports a modem connect/disconnect transition.
type LinkState struct{ Connected bool }

// OutgoingSmsCompleted reports a fully-sent outgoing message.
type OutgoingSmsCompleted struct {
	MessageID int64
	Number    string
}

// OutgoingSmsFailed reports a failed send attempt.
type OutgoingSmsFailed struct {
	MessageID int64
	Number    string
	Error     string
}

// IncomingSms reports a fully reassembled incoming message.
type IncomingSms struct {
	Number string
	Text   string
}

// DeliveryReportEvent reports a decoded +CDS status report.
type DeliveryReportEvent struct {
	MessageReference byte
	Recipient        string
	Status           byte
	IsFinal          bool
}

// GnssFix reports a GNSS position fix parsed from +CGNSINF (spec §4.5).
type GnssFix struct {
	Latitude  float64
	Longitude float64
}

// incomingKey identifies the segments of one multipart incoming message.
type incomingKey struct {
	originator string
	reference  byte
	total      byte
}

// watchIndications registers URC handlers on g for the lines the request/
// response classifier would otherwise buffer as unexpected intermediate
// lines (spec §4.2), and routes each to the event bus. The returned func
// cancels every registered indication.
func (d *Driver) watchIndications(g *gsm.GSM) func() {
	cmt, err := g.AddIndication("+CMT:", 1)
	if err != nil {
		d.logger.Printf("driver: register +CMT indication: %v", err)
	}
	cds, err := g.AddIndication("+CDS:", 1)
	if err != nil {
		d.logger.Printf("driver: register +CDS indication: %v", err)
	}
	creg, err := g.AddIndication("+CREG:", 0)
	if err != nil {
		d.logger.Printf("driver: register +CREG indication: %v", err)
	}
	csq, err := g.AddIndication("+CSQ:", 0)
	if err != nil {
		d.logger.Printf("driver: register +CSQ indication: %v", err)
	}

	if cmt != nil {
		go d.watchCMT(cmt)
	}
	if cds != nil {
		go d.watchCDS(cds)
	}
	if creg != nil {
		go d.watchCREG(creg)
	}
	if csq != nil {
		go d.watchCSQ(csq)
	}

	return func() {
		g.CancelIndication("+CMT:")
		g.CancelIndication("+CDS:")
		g.CancelIndication("+CREG:")
		g.CancelIndication("+CSQ:")
	}
}

// startGnssPoll periodically issues +CGNSINF through the normal request
// queue and publishes a GnssFix event whenever the modem reports a fix.
// The returned func stops the poll.
func (d *Driver) startGnssPoll(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(d.cfg.GnssPollInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				lines, err := d.Command(ctx, "+CGNSINF")
				if err != nil {
					continue
				}
				if fix, ok := parseGnssFix(lines); ok {
					d.bus.Publish(eventbus.KindGnssFix, fix)
				}
			}
		}
	}()
	return func() { close(stop) }
}

// parseGnssFix reads the fix-status, latitude and longitude fields out of a
// +CGNSINF response line. ok is false if no line is present, it isn't
// comma-fields-parseable, or the modem reports no fix yet.
func parseGnssFix(lines []string) (fix GnssFix, ok bool) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if !strings.HasPrefix(l, "+CGNSINF:") {
			continue
		}
		fields := strings.Split(strings.TrimSpace(strings.TrimPrefix(l, "+CGNSINF:")), ",")
		if len(fields) < 5 || strings.TrimSpace(fields[1]) != "1" {
			return GnssFix{}, false
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if errLat != nil || errLon != nil {
			return GnssFix{}, false
		}
		return GnssFix{Latitude: lat, Longitude: lon}, true
	}
	return GnssFix{}, false
}

func (d *Driver) watchCMT(c <-chan []string) {
	for lines := range c {
		d.handleCMT(lines)
	}
}

func (d *Driver) watchCDS(c <-chan []string) {
	for lines := range c {
		d.handleCDS(lines)
	}
}

func (d *Driver) watchCREG(c <-chan []string) {
	for lines := range c {
		d.bus.Publish(eventbus.KindNetworkRegistration, strings.Join(lines, " "))
	}
}

func (d *Driver) watchCSQ(c <-chan []string) {
	for lines := range c {
		d.bus.Publish(eventbus.KindSignalStrength, strings.Join(lines, " "))
	}
}

func (d *Driver) handleCMT(lines []string) {
	if len(lines) < 2 {
		return
	}
	pdu, err := pdumode.UnmarshalHexString(lines[1])
	if err != nil {
		d.logger.Printf("driver: decode +CMT PDU: %v", err)
		return
	}
	dlv, err := smscodec.DecodeDeliver(pdu.TPDU)
	if err != nil {
		d.logger.Printf("driver: decode SMS-DELIVER: %v", err)
		return
	}
	d.handleDeliver(dlv)
}

// handleDeliver applies a decoded SMS-DELIVER, reassembling concatenated
// segments before storing and publishing the message (spec §4.3).
func (d *Driver) handleDeliver(dlv smscodec.Deliver) {
	if !dlv.Concat {
		d.completeIncoming(dlv.Originator, dlv.Text)
		return
	}

	key := incomingKey{originator: dlv.Originator, reference: dlv.Reference, total: dlv.Total}
	d.mu.Lock()
	parts := d.incoming[key]
	if parts == nil {
		parts = make(map[byte]smscodec.Deliver)
		d.incoming[key] = parts
	}
	parts[dlv.SeqNum] = dlv
	complete := len(parts) == int(dlv.Total)
	if complete {
		delete(d.incoming, key)
	}
	d.mu.Unlock()

	if complete {
		var sb strings.Builder
		for i := byte(1); i <= dlv.Total; i++ {
			sb.WriteString(parts[i].Text)
		}
		d.completeIncoming(dlv.Originator, sb.String())
	}
}

func (d *Driver) completeIncoming(number, text string) {
	if _, err := d.store.InsertIncoming(number, text); err != nil {
		d.logger.Printf("driver: store incoming message from %s: %v", number, err)
		return
	}
	d.bus.Publish(eventbus.KindIncomingSms, IncomingSms{Number: number, Text: text})
}

func (d *Driver) handleCDS(lines []string) {
	if len(lines) < 2 {
		return
	}
	pdu, err := pdumode.UnmarshalHexString(lines[1])
	if err != nil {
		d.logger.Printf("driver: decode +CDS PDU: %v", err)
		return
	}
	sr, err := smscodec.DecodeStatusReport(pdu.TPDU)
	if err != nil {
		d.logger.Printf("driver: decode SMS-STATUS-REPORT: %v", err)
		return
	}
	if _, err := d.store.RecordDeliveryReport(int(sr.MessageReference), int(sr.Status), sr.IsFinal); err != nil && err != store.ErrUnknownReference {
		d.logger.Printf("driver: record delivery report for reference %d: %v", sr.MessageReference, err)
	}
	d.bus.Publish(eventbus.KindDeliveryReport, DeliveryReportEvent{
		MessageReference: sr.MessageReference,
		Recipient:        sr.Recipient,
		Status:           sr.Status,
		IsFinal:          sr.IsFinal,
	})
}
