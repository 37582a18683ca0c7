// Package socket receives events over a persistent socket connection.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"boltgate/pkg/jsoncodec"
	"boltgate/pkg/metrics"
	"boltgate/pkg/receiver"
	"boltgate/pkg/socketmode"
)

const (
	Name = "socket"

	DefaultInstallAddr = ":3000"
	shutdownTimeout    = 5 * time.Second
)

// Client is the socket connection the receiver reads envelopes from.
type Client interface {
	Run(ctx context.Context, handle socketmode.Handler) error
	Ack(ctx context.Context, envelopeID string, payload json.RawMessage) error
}

// Options configures a Receiver.
type Options struct {
	Client Client

	// Install enables an HTTP server for the install page and OAuth
	// redirect; every other route answers 404.
	Install     *install.Handler
	InstallAddr string

	AckTimeout time.Duration
	Logger     *slog.Logger
}

// Receiver dispatches socket envelopes to a processor, one goroutine each.
type Receiver struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New validates opts.
func New(opts Options) (*Receiver, error) {
	if opts.Client == nil {
		return nil, errors.New("socket client is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Receiver{opts: opts, log: log.With("component", "receiver.socket")}, nil
}

func (r *Receiver) Name() string {
	return Name
}

// Run reads envelopes until ctx is canceled, then waits for in-flight
// events to finish.
func (r *Receiver) Run(ctx context.Context, processor receiver.Processor) error {
	if processor == nil {
		return errors.New("processor is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return receiver.ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	stopInstall, err := r.startInstallServer()
	if err != nil {
		return err
	}
	defer stopInstall()

	r.log.Info("Socket receiver started")
	err = r.opts.Client.Run(ctx, func(ctx context.Context, env socketmode.Envelope) {
		r.dispatch(ctx, processor, env)
	})
	r.wg.Wait()

	if err != nil {
		return fmt.Errorf("socket client: %w", err)
	}
	return nil
}

// InstallHandler returns the router served next to the socket connection,
// or nil when install is not configured.
func (r *Receiver) InstallHandler() http.Handler {
	if r.opts.Install == nil {
		return nil
	}

	router := chi.NewRouter()
	r.opts.Install.Mount(router)
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ack.ContentTypeText)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return router
}

func (r *Receiver) startInstallServer() (func(), error) {
	handler := r.InstallHandler()
	if handler == nil {
		return func() {}, nil
	}

	addr := strings.TrimSpace(r.opts.InstallAddr)
	if addr == "" {
		addr = DefaultInstallAddr
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Install server stopped", "error", err)
		}
	}()
	r.log.Info("Install server started", "address", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func (r *Receiver) dispatch(ctx context.Context, processor receiver.Processor, env socketmode.Envelope) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(context.WithoutCancel(ctx), processor, env)
	}()
}

func (r *Receiver) process(ctx context.Context, processor receiver.Processor, env socketmode.Envelope) {
	log := r.log.With("envelope_id", env.ID, "envelope_type", env.Type)

	payload, err := decode.JSON(env.Payload)
	if err != nil {
		metrics.ObserveOutcome(Name, metrics.OutcomeRejectedDecode)
		log.Warn("Malformed envelope payload", "error", err)
		return
	}

	controller := ack.New(
		func(ctx context.Context, resp ack.Response) error {
			body, err := AckPayload(resp)
			if err != nil {
				return err
			}
			return r.opts.Client.Ack(ctx, env.ID, body)
		},
		ack.WithTimeout(r.opts.AckTimeout),
		ack.WithLogger(log),
		ack.WithTimeoutHook(metrics.AckTimeoutHook(Name)),
	)
	defer controller.Stop()

	event := receiver.NewEvent(Name, payload, controller)
	log = log.With("event_id", event.ID, "event_type", event.Type())

	err = event.Settle(processor.ProcessEvent(ctx, event))
	metrics.ObserveOutcome(Name, receiver.Outcome(err, controller.Acknowledged()))
	if latency, ok := controller.Latency(); ok {
		metrics.ObserveAck(Name, latency)
	}

	switch {
	case err != nil && receiver.IsContractViolation(err):
		log.Error("Handler broke the acknowledgment contract", "error", err)
	case err != nil:
		log.Error("Unhandled error while processing event", "error", err)
	case !controller.Acknowledged():
		log.Warn("Event processed without acknowledgment")
	}
}

// AckPayload renders resp as a socket acknowledgment payload: nothing for
// an empty response, a JSON string for text and the encoded document for
// JSON.
func AckPayload(resp ack.Response) (json.RawMessage, error) {
	switch resp.Kind() {
	case ack.KindEmpty:
		return nil, nil
	case ack.KindText:
		return jsoncodec.Marshal(resp.TextValue())
	default:
		body, _, err := resp.Encode()
		if err != nil {
			return nil, err
		}
		return body, nil
	}
}
