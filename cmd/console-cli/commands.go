package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/pribylovaa/examprep-console/internal/auth"
	"github.com/pribylovaa/examprep-console/internal/clients"
	"github.com/pribylovaa/examprep-console/internal/config"
	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/formdata"
	"github.com/pribylovaa/examprep-console/internal/session"
	"github.com/pribylovaa/examprep-console/pkg/redact"
)

var (
	errUsage           = errors.New("invalid usage")
	errUnauthenticated = errors.New("session missing or expired: run console-cli login")
)

type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  session.Store
	client *clients.Client
	coord  *auth.Coordinator
	noAuth bool
	format string

	// registry — метрики обмена; watch отдаёт их по -metrics-addr.
	registry *prometheus.Registry

	stdout io.Writer
	stdin  io.Reader
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "logout":
		return a.coord.Logout(ctx)
	case "status":
		return a.status(ctx)
	case "get", "delete":
		return a.call(ctx, cmd, args)
	case "post", "put", "patch":
		return a.call(ctx, cmd, args)
	case "upload":
		return a.upload(ctx, args)
	case "watch":
		return a.watch(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account e-mail")
	password := fs.String("password", "", "account password (default: CONSOLE_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	return a.doLogin(ctx, *email, *password)
}

func (a *app) doLogin(ctx context.Context, email, password string) error {
	if password == "" {
		password = os.Getenv("CONSOLE_PASSWORD")
	}
	if email == "" || password == "" {
		return fmt.Errorf("%w: login requires -email and a password", errUsage)
	}

	s, err := a.coord.Login(ctx, email, password)
	if err != nil {
		return err
	}

	return writeOut(a.stdout, a.format, map[string]any{
		"userId":    s.UserID,
		"email":     redact.Email(email),
		"expiresAt": s.ExpiresAt.Format(time.RFC3339),
	})
}

func (a *app) status(ctx context.Context) error {
	s, err := a.store.Get(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return writeOut(a.stdout, a.format, map[string]any{"authenticated": false, "profile": a.cfg.Session.Profile})
	}
	if err != nil {
		return err
	}

	now := time.Now()
	return writeOut(a.stdout, a.format, map[string]any{
		"authenticated": s.Valid(now),
		"profile":       a.cfg.Session.Profile,
		"userId":        s.UserID,
		"accessToken":   redact.Token(s.AccessToken),
		"expiresAt":     s.ExpiresAt.Format(time.RFC3339),
		"ttl":           s.TTL(now).Round(time.Second).String(),
	})
}

func (a *app) call(ctx context.Context, method string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s requires an endpoint", errUsage, method)
	}
	endpoint := args[0]

	if err := a.ensureSession(ctx); err != nil {
		return err
	}

	var body any
	if len(args) > 1 {
		raw, err := a.readBody(args[1])
		if err != nil {
			return err
		}
		body = raw
	}

	var (
		resp *clients.Response
		err  error
	)
	switch method {
	case "get":
		resp, err = a.client.Get(ctx, endpoint, nil)
	case "delete":
		resp, err = a.client.Delete(ctx, endpoint, nil)
	case "post":
		resp, err = a.client.Post(ctx, endpoint, body, nil)
	case "put":
		resp, err = a.client.Put(ctx, endpoint, body, nil)
	case "patch":
		resp, err = a.client.Patch(ctx, endpoint, body, nil)
	}
	if err != nil {
		return err
	}

	return writeResponse(a.stdout, a.format, resp)
}

func (a *app) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	usePut := fs.Bool("put", false, "send with PUT instead of POST")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: upload requires an endpoint", errUsage)
	}

	form, err := parseFormArgs(fs.Args()[1:], os.ReadFile)
	if err != nil {
		return err
	}

	if err := a.ensureSession(ctx); err != nil {
		return err
	}

	var resp *clients.Response
	if *usePut {
		resp, err = a.client.PutMultipart(ctx, fs.Arg(0), form, nil)
	} else {
		resp, err = a.client.PostMultipart(ctx, fs.Arg(0), form, nil)
	}
	if err != nil {
		return err
	}

	return writeResponse(a.stdout, a.format, resp)
}

// watch держит сессию свежей периодической проверкой до сигнала.
// С -email сначала выполняет вход (нужно для хранилища memory).
func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	email := fs.String("email", "", "sign in before watching")
	password := fs.String("password", "", "account password (default: CONSOLE_PASSWORD)")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics on this address while watching")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *email != "" {
		if err := a.doLogin(ctx, *email, *password); err != nil {
			return err
		}
	}

	if !a.coord.EnsureValidToken(ctx) {
		return errUnauthenticated
	}

	if *metricsAddr != "" {
		_, stop, err := a.serveMetrics(*metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	check := a.coord.StartPeriodicCheck(ctx)
	defer check.Stop()

	a.log.Info("watch_started", slog.String("profile", a.cfg.Session.Profile))

	select {
	case <-ctx.Done():
	case <-check.Done():
	}

	a.log.Info("watch_stopped")

	return nil
}

// serveMetrics отдаёт /metrics на addr и возвращает фактический адрес; stop гасит сервер.
func (a *app) serveMetrics(addr string) (net.Addr, func(), error) {
	const op = "console-cli/serveMetrics"

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics_server_failed", slog.String("err", err.Error()))
		}
	}()
	a.log.Info("metrics_server_start", slog.String("addr", ln.Addr().String()))

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (a *app) ensureSession(ctx context.Context) error {
	if a.noAuth {
		return nil
	}
	if !a.coord.EnsureValidToken(ctx) {
		return errUnauthenticated
	}

	return nil
}

// readBody принимает JSON-строку или "-" (stdin).
func (a *app) readBody(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if arg == "-" {
		b, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errUsage)
	}

	return json.RawMessage(raw), nil
}

// parseFormArgs разбирает "key=value" и "field=@path".
func parseFormArgs(args []string, readFile func(string) ([]byte, error)) (*formdata.Form, error) {
	form := formdata.New()

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: form argument %q must be key=value", errUsage, arg)
		}

		path, isFile := strings.CutPrefix(value, "@")
		if !isFile {
			form.Add(key, value)
			continue
		}

		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		ct := mime.TypeByExtension(filepath.Ext(path))
		form.AddFile(key, filepath.Base(path), ct, data)
	}

	return form, nil
}

func writeResponse(w io.Writer, format string, resp *clients.Response) error {
	out := map[string]any{"status": resp.Status}
	if resp.Message != "" {
		out["message"] = resp.Message
	}
	if len(resp.Data) > 0 {
		out["data"] = resp.Data
	}
	if len(resp.Errors) > 0 {
		out["errors"] = resp.Errors
	}

	return writeOut(w, format, out)
}

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeOut печатает v как JSON или YAML.
func writeOut(w io.Writer, format string, v any) error {
	if format != formatYAML {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	// json.RawMessage внутри v должен стать деревом, а не списком байт.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return err
	}

	return enc.Close()
}

// printError печатает ошибку API в форме {kind, message, errors, status}, прочие — как {message}.
func printError(w io.Writer, err error) {
	if e, ok := apierrors.As(err); ok {
		_ = writeOut(w, formatJSON, e)
		return
	}

	_ = writeOut(w, formatJSON, map[string]string{"message": err.Error()})
}
