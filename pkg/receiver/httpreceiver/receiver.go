// Package httpreceiver receives signed platform events over HTTP and serves
// the optional install routes next to them.
package httpreceiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"boltgate/pkg/ack"
	"boltgate/pkg/decode"
	"boltgate/pkg/install"
	"boltgate/pkg/metrics"
	"boltgate/pkg/receiver"
	"boltgate/pkg/verify"
)

const (
	Name            = "http"
	DefaultEndpoint = "/slack/events"
	DefaultAddr     = ":3000"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ErrUnhandledRequest is returned by Handle when no route matches, so a
// host can hand the request to its own routing.
var ErrUnhandledRequest = errors.New("httpreceiver: unhandled request")

// Options configures a Receiver.
type Options struct {
	SigningSecret string
	Endpoints     []string

	// ProcessBeforeResponse holds the acknowledgment until processing
	// finishes instead of responding as soon as a handler acknowledges.
	ProcessBeforeResponse bool

	Addr       string
	Install    *install.Handler
	Fallback   http.Handler
	AckTimeout time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Receiver is an http.Handler turning signed POSTs into events.
type Receiver struct {
	opts      Options
	verifier  *verify.Verifier
	router    chi.Router
	endpoints []string
	log       *slog.Logger

	mu        sync.RWMutex
	processor receiver.Processor
	server    *http.Server
}

type resultKey struct{}

// New validates opts and builds the routes.
func New(opts Options) (*Receiver, error) {
	if strings.TrimSpace(opts.SigningSecret) == "" {
		return nil, errors.New("signing secret is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	endpoints := cleanEndpoints(opts.Endpoints)
	if len(endpoints) == 0 {
		endpoints = []string{DefaultEndpoint}
	}

	verifier := verify.NewVerifier(opts.SigningSecret)
	if opts.Now != nil {
		verifier.Now = opts.Now
	}

	r := &Receiver{
		opts:      opts,
		verifier:  verifier,
		endpoints: endpoints,
		log:       log.With("component", "receiver.http"),
	}

	router := chi.NewRouter()
	for _, endpoint := range endpoints {
		router.Post(endpoint, r.serveEvent)
	}
	if opts.Install != nil {
		opts.Install.Mount(router)
	}
	r.router = router

	return r, nil
}

// Name returns the receiver identifier used in logs and metrics.
func (r *Receiver) Name() string {
	return Name
}

// Endpoints returns the paths accepting events.
func (r *Receiver) Endpoints() []string {
	return append([]string(nil), r.endpoints...)
}

// Init sets the processor events are handed to. Run calls it; hosts that
// mount the receiver on their own server call it directly.
func (r *Receiver) Init(processor receiver.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processor = processor
}

// Handle serves one request. It returns ErrUnhandledRequest without writing
// anything when no route matches, and returns acknowledgment contract
// violations after the response has been written.
func (r *Receiver) Handle(w http.ResponseWriter, req *http.Request) error {
	if !r.router.Match(chi.NewRouteContext(), req.Method, req.URL.Path) {
		return ErrUnhandledRequest
	}

	var result error
	ctx := context.WithValue(req.Context(), resultKey{}, &result)
	r.router.ServeHTTP(w, req.WithContext(ctx))
	return result
}

// ServeHTTP implements http.Handler. Unmatched requests go to the fallback
// handler when one is configured and get a 404 otherwise.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	err := r.Handle(w, req)
	if !errors.Is(err, ErrUnhandledRequest) {
		return
	}

	if r.opts.Fallback != nil {
		r.opts.Fallback.ServeHTTP(w, req)
		return
	}

	r.log.Info("Unhandled request ignored", "method", req.Method, "path", req.URL.Path)
	writePlain(w, http.StatusNotFound, "Not Found")
}

// Run listens on the configured address until ctx is canceled.
func (r *Receiver) Run(ctx context.Context, processor receiver.Processor) error {
	addr := strings.TrimSpace(r.opts.Addr)
	if addr == "" {
		addr = DefaultAddr
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return r.Serve(ctx, listener, processor)
}

// Serve accepts connections on listener until ctx is canceled.
func (r *Receiver) Serve(ctx context.Context, listener net.Listener, processor receiver.Processor) error {
	if processor == nil {
		_ = listener.Close()
		return errors.New("processor is required")
	}

	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.mu.Lock()
	if r.server != nil {
		r.mu.Unlock()
		_ = listener.Close()
		return receiver.ErrAlreadyRunning
	}
	r.server = server
	r.processor = processor
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.server = nil
		r.mu.Unlock()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	r.log.Info("HTTP receiver started", "address", listener.Addr().String(), "endpoints", strings.Join(r.endpoints, ","))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http receiver: %w", err)
	}

	return nil
}

func (r *Receiver) currentProcessor() receiver.Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processor
}

// serveEvent is the route handler for event endpoints; it reports its
// result through the holder Handle placed in the request context.
func (r *Receiver) serveEvent(w http.ResponseWriter, req *http.Request) {
	err := r.handleEvent(w, req)
	if holder, ok := req.Context().Value(resultKey{}).(*error); ok {
		*holder = err
	}
}

func (r *Receiver) handleEvent(w http.ResponseWriter, req *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.log.Warn("Failed to read request body", "error", err)
		metrics.ObserveOutcome(Name, metrics.OutcomeRejectedDecode)
		writePlain(w, http.StatusBadRequest, "Bad Request")
		return nil
	}

	if _, err := r.verifier.Verify(body, req.Header); err != nil {
		r.log.Warn("Request verification failed", "error", err)
		metrics.ObserveOutcome(Name, metrics.OutcomeRejectedAuth)
		writePlain(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}

	payload, err := decode.Decode(body, req.Header.Get("Content-Type"))
	if err != nil {
		r.log.Warn("Malformed request body", "error", err)
		metrics.ObserveOutcome(Name, metrics.OutcomeRejectedDecode)
		writePlain(w, http.StatusBadRequest, "Bad Request")
		return nil
	}

	if truthy(payload["ssl_check"]) {
		metrics.ObserveOutcome(Name, metrics.OutcomeSSLCheck)
		w.WriteHeader(http.StatusOK)
		return nil
	}

	if kind, _ := payload["type"].(string); kind == "url_verification" {
		challenge, _ := payload["challenge"].(string)
		metrics.ObserveOutcome(Name, metrics.OutcomeURLVerification)
		rs := &responder{w: w}
		if err := rs.send(ack.JSON(map[string]string{"challenge": challenge})); err != nil {
			r.log.Error("Failed to answer url verification", "error", err)
		}
		return nil
	}

	processor := r.currentProcessor()
	if processor == nil {
		r.log.Error("Event received before a processor was set")
		metrics.ObserveOutcome(Name, metrics.OutcomeFailed)
		writePlain(w, http.StatusInternalServerError, "Internal Server Error")
		return nil
	}

	return r.dispatch(req.Context(), w, processor, payload)
}

func (r *Receiver) dispatch(ctx context.Context, w http.ResponseWriter, processor receiver.Processor, payload map[string]any) error {
	rs := &responder{w: w}
	controller := ack.New(
		func(_ context.Context, resp ack.Response) error { return rs.send(resp) },
		ack.WithDeferredDelivery(r.opts.ProcessBeforeResponse),
		ack.WithTimeout(r.opts.AckTimeout),
		ack.WithLogger(r.log),
		ack.WithTimeoutHook(metrics.AckTimeoutHook(Name)),
	)
	defer controller.Stop()

	event := receiver.NewEvent(Name, payload, controller)
	log := r.log.With("event_id", event.ID, "event_type", event.Type())

	err := event.Settle(processor.ProcessEvent(ctx, event))
	metrics.ObserveOutcome(Name, receiver.Outcome(err, controller.Acknowledged()))
	if latency, ok := controller.Latency(); ok {
		metrics.ObserveAck(Name, latency)
	}

	if err != nil {
		rs.plain(http.StatusInternalServerError, "Internal Server Error")
		if receiver.IsContractViolation(err) {
			log.Error("Handler broke the acknowledgment contract", "error", err)
			return err
		}
		log.Error("Unhandled error while processing event", "error", err)
		return nil
	}

	if stored, ok := controller.Stored(); ok {
		if err := rs.send(stored); err != nil {
			log.Error("Failed to send stored acknowledgment", "error", err)
			rs.plain(http.StatusInternalServerError, "Internal Server Error")
			return nil
		}
		log.Debug("Stored acknowledgment sent")
		return nil
	}

	if !controller.Acknowledged() {
		log.Warn("Event processed without acknowledgment")
		rs.plain(http.StatusOK, "")
	}

	return nil
}

func cleanEndpoints(endpoints []string) []string {
	clean := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		clean = append(clean, trimmed)
	}
	return clean
}

// truthy follows the loose truthiness the platform uses for ssl_check,
// which arrives as a JSON boolean or a form string such as "1".
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		trimmed := strings.TrimSpace(v)
		return trimmed != "" && trimmed != "0" && !strings.EqualFold(trimmed, "false")
	case float64:
		return v != 0
	default:
		return true
	}
}
