package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boltgate/pkg/config"
	"boltgate/pkg/jsoncodec"
	"boltgate/pkg/receiver"
)

const (
	defaultStatusHost = "0.0.0.0"
	defaultStatusPort = 18790
)

// Service runs every enabled receiver against one processor and serves
// health, readiness and metrics endpoints.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	processor receiver.Processor
	receivers []receiver.Receiver

	mu             sync.RWMutex
	startedAt      time.Time
	statusAddr     string
	receiverStates map[string]receiverState
}

type receiverState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Receivers     map[string]receiverState `json:"receivers"`
}

func NewService(cfg *config.Config, processor receiver.Processor, receivers []receiver.Receiver, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if len(receivers) == 0 {
		return nil, errors.New("at least one receiver is required")
	}
	if log == nil {
		log = slog.Default()
	}

	states := make(map[string]receiverState, len(receivers))
	for _, r := range receivers {
		if _, dup := states[r.Name()]; dup {
			return nil, fmt.Errorf("receiver %q configured twice", r.Name())
		}
		states[r.Name()] = receiverState{}
	}

	return &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		processor:      processor,
		receivers:      receivers,
		receiverStates: states,
	}, nil
}

// Run starts the status server and every receiver, and blocks until ctx is
// canceled or one of them fails. Receivers are stopped before it returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.statusListenAddr())
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go s.runStatusServer(runCtx, listener, serverErrors)

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.receivers))
	for _, r := range s.receivers {
		s.setReceiverState(r.Name(), receiverState{Running: true})

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Run(runCtx, s.processor)
			s.setReceiverState(r.Name(), receiverState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s receiver: %w", r.Name(), err)
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
	case result = <-serverErrors:
	case result = <-errCh:
	}

	cancel()
	wg.Wait()
	if result != nil {
		s.log.Error("Gateway stopped", "error", result)
	} else {
		s.log.Info("Gateway stopped")
	}

	return result
}

// Handler returns the status routes.
func (s *Service) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func (s *Service) statusListenAddr() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultStatusHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// StatusAddr returns the address the status server is bound to, or "" before Run.
func (s *Service) StatusAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusAddr
}

func (s *Service) runStatusServer(ctx context.Context, listener net.Listener, errCh chan<- error) {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	addr := listener.Addr().String()
	s.mu.Lock()
	s.statusAddr = addr
	s.mu.Unlock()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("serve status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsoncodec.Encode(w, payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	receivers := make(map[string]receiverState, len(s.receiverStates))
	for name, state := range s.receiverStates {
		receivers[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Receivers:     receivers,
	}
}

// isReady reports whether every receiver is running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.receiverStates) == 0 {
		return false
	}

	for _, state := range s.receiverStates {
		if !state.Running {
			return false
		}
	}

	return true
}

func (s *Service) setReceiverState(name string, state receiverState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiverStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
