package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/database"
	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/logger"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi"
	"github.com/stemsi/exstem-qr/internal/service"
	"github.com/stemsi/exstem-qr/internal/session"
	"github.com/stemsi/exstem-qr/internal/validator"
)

var (
	backendURL string
	deviceID   string
	noRedis    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand(config.Load())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "qrflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qrflow",
		Short: "Answer a QR-linked question from the terminal",
		Long: `qrflow follows a question's QR link: it verifies your mobile number with a one-time
code, shows the question and submits your files and typed answer.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&backendURL, "backend", cfg.BackendURL, "Base URL of the platform API")
	cmd.PersistentFlags().StringVar(&deviceID, "device", defaultDevice(), "Device id the session is stored under")
	cmd.PersistentFlags().BoolVar(&noRedis, "no-redis", false, "Keep the session in memory only")
	cmd.AddCommand(
		newOpenCmd(cfg),
		newLogoutCmd(cfg),
	)
	return cmd
}

func newOpenCmd(cfg *config.Config) *cobra.Command {
	var files []string
	var text string
	cmd := &cobra.Command{
		Use:   "open <deep-link>",
		Short: "Open a question link and submit an answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := model.ParseDeepLink(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			env, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.close()

			previews, err := service.NewTempPreviews("")
			if err != nil {
				return err
			}
			defer previews.Close()

			deps := newDependencies(qrapi.NewClient(backendURL, qrapi.WithTimeout(cfg.RequestTimeout)),
				env.store, env.guard, service.LimitsFromConfig(cfg), cfg, env.log)
			deps.Previews = previews

			d := &driver{
				in:    bufio.NewReader(cmd.InOrStdin()),
				out:   cmd.OutOrStdout(),
				fd:    int(os.Stdin.Fd()),
				files: files,
				text:  text,
			}
			return d.run(ctx, flow.New(route, deps))
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "Image or PDF to attach (repeatable)")
	cmd.Flags().StringVar(&text, "text", "", "Typed answer")
	return cmd
}

func newLogoutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session stored for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

// environment is what setup connected.
type environment struct {
	log   zerolog.Logger
	rdb   *redis.Client
	store session.Store
	guard inflight.Guard
}

func (e *environment) close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
}

// setup prefers Redis for the session so it survives between runs, and
// falls back to memory when Redis is not reachable.
func setup(ctx context.Context, cfg *config.Config) (*environment, error) {
	validator.Setup()
	env := &environment{log: logger.New(os.Stderr, cfg.LogLevel, "pretty")}

	if !noRedis {
		rdb, err := database.NewRedisClient(ctx, cfg, env.log)
		if err == nil {
			env.rdb = rdb
			env.store = session.NewRedisStore(rdb, deviceID, env.log)
			env.guard = inflight.NewRedisGuard(rdb, cfg.InFlightTTL, env.log)
			return env, nil
		}
		env.log.Warn().Err(err).Msg("Redis unavailable, the session will not be kept")
	}
	env.store = session.NewMemoryStore()
	env.guard = inflight.NewLocalGuard()
	return env, nil
}

func newDependencies(
	api service.API,
	store session.Store,
	guard inflight.Guard,
	limits service.Limits,
	cfg *config.Config,
	log zerolog.Logger,
) flow.Dependencies {
	return flow.Dependencies{
		API:        api,
		Sessions:   store,
		Guard:      guard,
		Branding:   service.NewBrandingService(api, log),
		Prober:     service.NewRegistrationService(api, log),
		Questions:  service.NewQuestionService(api, log),
		Attempts:   service.NewAttemptService(api, limits, cfg.ProtocolVersion, log),
		SessionTTL: cfg.SessionTTL(),
		DeviceInfo: fmt.Sprintf("qrflow/%s (%s/%s)", cfg.ProtocolVersion, runtime.GOOS, runtime.GOARCH),
		Log:        log,
	}
}

func defaultDevice() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}
