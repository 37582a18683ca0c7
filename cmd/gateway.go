package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"boltgate/pkg/app"
	"boltgate/pkg/config"
	"boltgate/pkg/gateway"
	"boltgate/pkg/install"
	"boltgate/pkg/logger"
	"boltgate/pkg/receiver"
	"boltgate/pkg/receiver/httpreceiver"
	"boltgate/pkg/receiver/socket"
	"boltgate/pkg/receiver/telegram"
	"boltgate/pkg/socketmode"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the event gateway",
	Long:  "Runs every enabled receiver against one middleware chain and serves health, readiness and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		receivers, err := enabledReceivers(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		svc, err := gateway.NewService(cfg, newApp(cfg, appLogger), receivers, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway started", "receivers", receiverNames(receivers), "install", cfg.Install.Enabled())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func newApp(cfg *config.Config, log *slog.Logger) *app.App {
	return app.New(app.WithLogger(log), app.WithIgnoredTypes(cfg.App.IgnoreEventTypes...))
}

// enabledReceivers builds one receiver per enabled transport. Install routes
// go to the HTTP receiver when it runs, otherwise to the socket receiver.
func enabledReceivers(cfg *config.Config, log *slog.Logger) ([]receiver.Receiver, error) {
	installer, err := installHandler(cfg.Install, log)
	if err != nil {
		return nil, fmt.Errorf("configure install: %w", err)
	}

	receivers := make([]receiver.Receiver, 0, 3)

	if httpCfg := cfg.Receivers.HTTP; httpCfg.Enabled {
		r, err := httpreceiver.New(httpreceiver.Options{
			SigningSecret:         httpCfg.SigningSecret,
			Endpoints:             httpCfg.Endpoints,
			ProcessBeforeResponse: httpCfg.ProcessBeforeResponse,
			Addr:                  httpCfg.Addr,
			Install:               installer,
			Logger:                log,
		})
		if err != nil {
			return nil, fmt.Errorf("configure %s receiver: %w", httpreceiver.Name, err)
		}
		receivers = append(receivers, r)
		installer = nil
	}

	if socketCfg := cfg.Receivers.Socket; socketCfg.Enabled {
		client, err := socketmode.New(socketmode.Config{
			AppToken: socketCfg.AppToken,
			OpenURL:  socketCfg.OpenURL,
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("configure %s receiver: %w", socket.Name, err)
		}

		r, err := socket.New(socket.Options{
			Client:      client,
			Install:     installer,
			InstallAddr: socketCfg.InstallAddr,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("configure %s receiver: %w", socket.Name, err)
		}
		receivers = append(receivers, r)
	}

	if cfg.Receivers.Telegram.Enabled {
		r, err := telegram.NewReceiver(cfg.Receivers.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s receiver: %w", telegram.Name, err)
		}
		receivers = append(receivers, r)
	}

	if len(receivers) == 0 {
		return nil, errors.New("no receivers are enabled")
	}

	return receivers, nil
}

// installHandler returns nil when install is not configured.
func installHandler(cfg config.InstallConfig, log *slog.Logger) (*install.Handler, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	provider, err := install.NewOAuthProvider(install.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		StateSecret:  cfg.StateSecret,
	})
	if err != nil {
		return nil, err
	}

	return install.NewHandler(
		provider,
		install.URLOptions{
			Scopes:      cfg.Scopes,
			UserScopes:  cfg.UserScopes,
			RedirectURI: cfg.RedirectURI,
		},
		install.Paths{Install: cfg.InstallPath, Redirect: cfg.RedirectPath},
		install.Callbacks{},
		log,
	), nil
}

func receiverNames(receivers []receiver.Receiver) string {
	names := make([]string, 0, len(receivers))
	for _, r := range receivers {
		names = append(names, r.Name())
	}

	return strings.Join(names, ",")
}
