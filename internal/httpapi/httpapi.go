// Package httpapi is the external HTTP/WebSocket adapter (spec §6): it
// translates the route surface onto internal/driver and internal/store
// operations, the way the teacher's cmd/dashboard/server.go translates
// /api/sms/ and /api/logs/ onto sender.Sender and db.DB.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/warthog618/smsgw/internal/driver"
	"github.com/warthog618/smsgw/internal/eventbus"
	"github.com/warthog618/smsgw/internal/store"
)

// Server adapts HTTP/WebSocket requests onto a Driver and Store.
type Server struct {
	driver      *driver.Driver
	store       *store.Store
	bus         *eventbus.Bus
	bearerToken string
	logger      *log.Logger
	upgrader    websocket.Upgrader
	version     string
}

// New builds the router. bearerToken, when non-empty, is required via
// "Authorization: Bearer <token>" on every route except /sys/version
// (spec §6).
func New(d *driver.Driver, st *store.Store, bus *eventbus.Bus, bearerToken, version string, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		driver:      d,
		store:       st,
		bus:         bus,
		bearerToken: bearerToken,
		logger:      logger,
		version:     version,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := mux.NewRouter()
	r.StrictSlash(true)

	r.HandleFunc("/sms/send", s.auth(s.handleSendSMS)).Methods(http.MethodPost)
	for path, cmd := range smsStatusCommands {
		r.HandleFunc("/sms/"+path, s.auth(s.handleModemQuery(cmd))).Methods(http.MethodGet)
	}
	for path, cmd := range gnssCommands {
		r.HandleFunc("/gnss/"+path, s.auth(s.handleModemQuery(cmd))).Methods(http.MethodGet)
	}

	r.HandleFunc("/db/sms", s.auth(s.handleDBSMS)).Methods(http.MethodPost)
	r.HandleFunc("/db/latest-numbers", s.auth(s.handleDBLatestNumbers)).Methods(http.MethodPost)
	r.HandleFunc("/db/delivery-reports", s.auth(s.handleDBDeliveryReports)).Methods(http.MethodPost)

	r.HandleFunc("/sys/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/sys/phone-number", s.auth(s.handleModemQuery("+CNUM"))).Methods(http.MethodGet)
	r.HandleFunc("/sys/set-log-level", s.auth(s.handleSetLogLevel)).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.auth(s.handleWebSocket))

	r.Use(s.withRequestID)
	return r
}

// withRequestID tags every request with a fresh UUID for log correlation,
// the way the teacher tags every queued SMS with one in sendSMSHandler.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		s.logger.Printf("httpapi: %s %s request_id=%s", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r)
	})
}

// smsStatusCommands maps each GET /sms/{...} route onto the AT command that
// answers it (spec §6); every one is a plain Command call through the
// serialized queue, same as the teacher's "one handler, one sender.Sender
// call" shape.
var smsStatusCommands = map[string]string{
	"network-status":   "+CREG?",
	"signal-strength":  "+CSQ",
	"network-operator": "+COPS?",
	"service-provider": "+CSPN?",
	"battery-level":    "+CBC",
	"device-info":      "+CGMI;+CGMM;+CGMR",
}

// gnssCommands maps each GET /gnss/{...} route onto the vendor-specific GNSS
// query. The commands are fixed here; they are not configurable per modem.
var gnssCommands = map[string]string{
	"status":   "+CGNSPWR?",
	"location": "+CGNSINF",
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.bearerToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleModemQuery(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines, err := s.driver.Command(r.Context(), cmd)
		if err != nil {
			writeDriverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
	}
}

type sendSMSRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req sendSMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Content == "" {
		http.Error(w, `{"error":"to and content are required"}`, http.StatusBadRequest)
		return
	}
	messageID, err := s.driver.SendSMS(r.Context(), req.To, req.Content)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID})
}

// pageRequest is the shared pagination body for every POST /db/* route
// (spec §4.7/§6).
type pageRequest struct {
	Limit   *int `json:"limit,omitempty"`
	Offset  *int `json:"offset,omitempty"`
	Reverse bool `json:"reverse,omitempty"`
}

func decodePage(r *http.Request) (store.Page, error) {
	var req pageRequest
	if r.ContentLength == 0 {
		return store.Page{}, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return store.Page{}, err
	}
	return store.Page{Limit: req.Limit, Offset: req.Offset, Reverse: req.Reverse}, nil
}

func (s *Server) handleDBSMS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber string `json:"phone_number"`
		pageRequest
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}
	if body.PhoneNumber == "" {
		http.Error(w, `{"error":"phone_number is required"}`, http.StatusBadRequest)
		return
	}
	page := store.Page{Limit: body.Limit, Offset: body.Offset, Reverse: body.Reverse}
	messages, err := s.store.PaginateByNumber(body.PhoneNumber, page)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleDBLatestNumbers(w http.ResponseWriter, r *http.Request) {
	page, err := decodePage(r)
	if err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	numbers, err := s.store.LatestNumbers(page)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"numbers": numbers})
}

func (s *Server) handleDBDeliveryReports(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID int64 `json:"message_id"`
		pageRequest
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}
	page := store.Page{Limit: body.Limit, Offset: body.Offset, Reverse: body.Reverse}
	reports, err := s.store.ReportsFor(body.MessageID, page)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery_reports": reports})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.version})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Level == "" {
		http.Error(w, `{"error":"level is required"}`, http.StatusBadRequest)
		return
	}
	// Logging setup is external glue (spec §1 Out of scope); this just
	// acknowledges the request so the route exists for parity with the
	// teacher's dashboard surface.
	writeJSON(w, http.StatusOK, map[string]any{"level": body.Level})
}

// subscribeRequest is the optional first frame a WebSocket client may send
// to filter delivered events (spec §6).
type subscribeRequest struct {
	Filter []string `json:"filter"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	var sub subscribeRequest
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&sub); err != nil {
		sub.Filter = nil // no subscription frame, or it was malformed: fall back to receiving everything
	}

	var kinds []eventbus.Kind
	for _, f := range sub.Filter {
		if k, ok := knownKinds[f]; ok {
			kinds = append(kinds, k)
		}
		// unknown filter kinds are ignored, per spec §6
	}

	subscriber := s.bus.Subscribe(eventbus.Drop, kinds...)
	defer subscriber.Unsubscribe()

	for ev := range subscriber.C {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

var knownKinds = map[string]eventbus.Kind{
	string(eventbus.KindIncomingSms):          eventbus.KindIncomingSms,
	string(eventbus.KindDeliveryReport):       eventbus.KindDeliveryReport,
	string(eventbus.KindOutgoingSmsCompleted): eventbus.KindOutgoingSmsCompleted,
	string(eventbus.KindOutgoingSmsFailed):    eventbus.KindOutgoingSmsFailed,
	string(eventbus.KindSignalStrength):       eventbus.KindSignalStrength,
	string(eventbus.KindNetworkRegistration):  eventbus.KindNetworkRegistration,
	string(eventbus.KindGnssFix):              eventbus.KindGnssFix,
	string(eventbus.KindModemLinkState):       eventbus.KindModemLinkState,
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// writeDriverError maps the Modem Driver's error kinds onto HTTP status
// codes per spec §7.
func writeDriverError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, driver.ErrModemBusy), errors.Is(err, driver.ErrLinkLost):
		status = http.StatusServiceUnavailable
	case errors.Is(err, driver.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, driver.ErrPduEncodeError):
		status = http.StatusBadRequest
	default:
		var merr *driver.ModemError
		if errors.As(err, &merr) {
			status = http.StatusBadRequest
		}
	}
	http.Error(w, `{"error":"`+err.Error()+`"}`, status)
}

func writeStoreError(w http.ResponseWriter, err error) {
	http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
}
