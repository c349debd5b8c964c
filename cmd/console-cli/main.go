// console-cli — неинтерактивный хост слоя доступа к API: вход/выход,
// произвольные вызовы через шлюз и режим watch, держащий сессию свежей.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pribylovaa/examprep-console/internal/auth"
	"github.com/pribylovaa/examprep-console/internal/clients"
	"github.com/pribylovaa/examprep-console/internal/config"
	"github.com/pribylovaa/examprep-console/internal/metrics"
	"github.com/pribylovaa/examprep-console/internal/session"
	pgstore "github.com/pribylovaa/examprep-console/internal/session/postgres"
	redisstore "github.com/pribylovaa/examprep-console/internal/session/redis"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const usage = `usage: console-cli [flags] <command> [args]

commands:
  login -email E [-password P]     sign in (password also from CONSOLE_PASSWORD)
  logout                           drop the stored session
  status                           show the stored session
  get|delete <endpoint>            call the API through the gateway
  post|put|patch <endpoint> [json] call with a JSON body ("-" reads stdin)
  upload [-put] <endpoint> k=v... field=@path
  watch [-metrics-addr A]          keep the session fresh until interrupted

flags:
`

// exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitAuth    = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("console-cli", flag.ContinueOnError)
	fs.Usage = func() {
		figure.Write(fs.Output(), figure.NewFigure("examprep", "cybermedium", true))
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var (
		configPath string
		profile    string
		noAuth     bool
		format     string
	)
	fs.StringVar(&configPath, "config", "", "path to config file")
	fs.StringVar(&profile, "profile", "", "session profile (overrides SESSION_PROFILE)")
	fs.BoolVar(&noAuth, "no-auth", false, "skip the session check before the call")
	fs.StringVar(&format, "output", formatJSON, "output format: json or yaml")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	if format != formatJSON && format != formatYAML {
		fmt.Fprintf(os.Stderr, "unknown output format %q\n", format)
		return exitUsage
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	if profile != "" {
		cfg.Session.Profile = profile
	}

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Session)
	if err != nil {
		log.Error("session_store_init_failed", slog.String("store", cfg.Session.Store), slog.String("err", err.Error()))
		return exitFailure
	}
	defer closeStore()

	client := clients.New(cfg.Client, store, log)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		client:   client,
		noAuth:   noAuth,
		format:   format,
		registry: reg,
		stdout:   os.Stdout,
		stdin:    os.Stdin,
	}
	a.coord = auth.New(clients.NewAuthAPI(client), store, cfg.Session, log,
		auth.WithOnExpired(func() { log.Warn("session_expired", slog.String("hint", "run console-cli login")) }),
		auth.WithMetrics(m),
	)

	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return exitUsage
	case errors.Is(err, errUnauthenticated):
		fmt.Fprintln(os.Stderr, err)
		return exitAuth
	default:
		printError(os.Stderr, err)
		return exitFailure
	}
}

// openStore выбирает хранилище сессии по конфигу.
func openStore(ctx context.Context, cfg config.SessionConfig) (session.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		st, err := redisstore.New(ctx, cfg.RedisURL, cfg.Profile, cfg.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.StorePostgres:
		st, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return session.NewMemory(), func() {}, nil
	}
}

// Данные идут в stdout, поэтому лог пишется в stderr.
func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
