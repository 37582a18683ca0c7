package install

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"boltgate/pkg/metrics"
)

const (
	DefaultInstallPath  = "/slack/install"
	DefaultRedirectPath = "/slack/oauth_redirect"
)

// Paths locates the install page and the OAuth redirect endpoint.
type Paths struct {
	Install  string
	Redirect string
}

func (p Paths) withDefaults() Paths {
	if strings.TrimSpace(p.Install) == "" {
		p.Install = DefaultInstallPath
	}
	if strings.TrimSpace(p.Redirect) == "" {
		p.Redirect = DefaultRedirectPath
	}
	return p
}

// Callbacks override the default responses of the redirect endpoint.
type Callbacks struct {
	Success func(w http.ResponseWriter, r *http.Request, installation Installation)
	Failure func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler serves the install page and the OAuth redirect for one provider.
type Handler struct {
	provider  Provider
	options   URLOptions
	callbacks Callbacks
	paths     Paths
	log       *slog.Logger
}

// NewHandler builds install routes around provider.
func NewHandler(provider Provider, opts URLOptions, paths Paths, callbacks Callbacks, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}

	return &Handler{
		provider:  provider,
		options:   opts,
		callbacks: callbacks,
		paths:     paths.withDefaults(),
		log:       log.With("component", "install"),
	}
}

// Paths returns the resolved route paths.
func (h *Handler) Paths() Paths {
	return h.paths
}

// Mount registers the install routes on router.
func (h *Handler) Mount(router chi.Router) {
	router.Get(h.paths.Install, h.ServeInstall)
	router.Get(h.paths.Redirect, h.ServeRedirect)
}

// ServeInstall renders a page linking to the provider's authorization URL.
func (h *Handler) ServeInstall(w http.ResponseWriter, r *http.Request) {
	url, err := h.provider.GenerateInstallURL(r.Context(), h.options)
	if err != nil {
		metrics.InstallRequestsTotal.WithLabelValues("install", "error").Inc()
		h.log.Error("Failed to generate install URL", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := installPage.Execute(w, url); err != nil {
		h.log.Error("Failed to render install page", "error", err)
		return
	}
	metrics.InstallRequestsTotal.WithLabelValues("install", "ok").Inc()
}

// ServeRedirect completes the OAuth flow with the code and state query
// parameters and answers through the configured callbacks.
func (h *Handler) ServeRedirect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	installation, err := h.provider.HandleCallback(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		metrics.InstallRequestsTotal.WithLabelValues("callback", "error").Inc()
		h.log.Warn("Installation failed", "error", err)
		if h.callbacks.Failure != nil {
			h.callbacks.Failure(w, r, err)
			return
		}
		http.Error(w, "Installation failed", http.StatusInternalServerError)
		return
	}

	metrics.InstallRequestsTotal.WithLabelValues("callback", "ok").Inc()
	h.log.Info("Installation completed", "team_id", installation.TeamID, "enterprise_id", installation.EnterpriseID)
	if h.callbacks.Success != nil {
		h.callbacks.Success(w, r, installation)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Installation complete"))
}

var installPage = template.Must(template.New("install").Parse(`<html>
  <body>
    <a href="{{.}}">
      <img alt="Add to Slack" height="40" width="139"
        src="https://platform.slack-edge.com/img/add_to_slack.png"
        srcset="https://platform.slack-edge.com/img/add_to_slack.png 1x, https://platform.slack-edge.com/img/add_to_slack@2x.png 2x" />
    </a>
  </body>
</html>
`))
