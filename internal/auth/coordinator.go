// auth — координатор обновления токена и операции входа/выхода.
//
// Инвариант: одновременно выполняется не более одного обмена refresh-токена,
// сколько бы вызывающих ни проверяли сессию. Реактивная проверка
// (EnsureValidToken) и периодическая (StartPeriodicCheck) делят один singleflight-ключ.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pribylovaa/examprep-console/internal/config"
	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/metrics"
	"github.com/pribylovaa/examprep-console/internal/models"
	"github.com/pribylovaa/examprep-console/internal/session"
	"github.com/pribylovaa/examprep-console/pkg/log"
)

var (
	// ErrNoSession — нечего обновлять: сессии нет или в ней нет refresh-токена.
	ErrNoSession = errors.New("no refreshable session")
	// ErrInvalidTokenResponse — сервер ответил 2xx, но из ответа не собрать сессию.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)

const (
	DefaultRefreshInterval  = 60 * time.Second
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultRefreshTimeout   = 30 * time.Second
)

const refreshKey = "refresh"

// clearTimeout — срок очистки сессии после неудачного обмена. Контекст обмена
// к этому моменту часто уже истёк.
const clearTimeout = 5 * time.Second

// API — обмены с удалённым /auth.
type API interface {
	Login(ctx context.Context, email, password string) (models.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenResponse, error)
}

type Coordinator struct {
	api   API
	store session.Store
	log   *slog.Logger

	interval  time.Duration
	threshold time.Duration
	timeout   time.Duration

	now       func() time.Time
	onExpired func()
	metrics   *metrics.Metrics

	group      singleflight.Group
	refreshing atomic.Bool
}

type Option func(*Coordinator)

// WithOnExpired — вызывается после неудачного обмена, когда сессия уже очищена
// (хост уводит пользователя на вход).
func WithOnExpired(fn func()) Option {
	return func(c *Coordinator) { c.onExpired = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(api API, store session.Store, cfg config.SessionConfig, log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		api:       api,
		store:     store,
		log:       log,
		interval:  cfg.RefreshInterval,
		threshold: cfg.RefreshThreshold,
		timeout:   cfg.RefreshTimeout,
		now:       time.Now,
		onExpired: func() {},
	}
	if c.interval <= 0 {
		c.interval = DefaultRefreshInterval
	}
	if c.threshold <= 0 {
		c.threshold = DefaultRefreshThreshold
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRefreshTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Refreshing — true, пока идёт обмен refresh-токена.
func (c *Coordinator) Refreshing() bool { return c.refreshing.Load() }

// EnsureValidToken сообщает, пригодна ли сессия для защищённого вызова.
//
//   - нет access- или refresh-токена -> false без сетевых вызовов;
//   - токен ещё не истёк -> true без сетевых вызовов;
//   - иначе присоединяется к текущему обмену или начинает его и возвращает общий исход.
//
// Отмена ctx прекращает ожидание (false), но не сам обмен: его исход нужен остальным.
func (c *Coordinator) EnsureValidToken(ctx context.Context) bool {
	s, err := c.store.Get(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			c.logger(ctx).Warn("session_read_failed", slog.String("err", err.Error()))
		}
		return false
	}

	if !s.Refreshable() {
		return false
	}

	if s.Valid(c.now()) {
		return true
	}

	return c.refresh(ctx, s.RefreshToken) == nil
}

// refresh запускает обмен или присоединяется к идущему. observed — refresh-токен,
// который видел вызывающий до входа.
func (c *Coordinator) refresh(ctx context.Context, observed string) error {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		c.refreshing.Store(true)
		defer c.refreshing.Store(false)

		return nil, c.exchange(ctx, observed)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange выполняется ровно одной горутиной на полёт.
func (c *Coordinator) exchange(parent context.Context, observed string) error {
	const op = "auth/exchange"

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	lg := c.logger(parent)

	cur, err := c.store.Get(ctx)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.fail(ctx, lg, fmt.Errorf("%s: %w", op, ErrNoSession))
	case err != nil:
		return c.fail(ctx, lg, fmt.Errorf("%s: %w", op, err))
	}

	// Обмен, завершившийся между чтением вызывающего и входом в полёт, не повторяем
	// со старым токеном.
	if cur.RefreshToken != observed && cur.Valid(c.now()) {
		c.metrics.ObserveRefresh(metrics.RefreshReused)
		return nil
	}

	if cur.RefreshToken == "" {
		return c.fail(ctx, lg, fmt.Errorf("%s: %w", op, ErrNoSession))
	}

	resp, err := c.api.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return c.fail(ctx, lg, fmt.Errorf("%s: %w", op, err))
	}

	next, err := session.FromTokens(resp, c.now())
	if err != nil {
		return c.fail(ctx, lg, fmt.Errorf("%s: %w: %w", op, ErrInvalidTokenResponse, err))
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.UserID == 0 {
		next.UserID = cur.UserID
	}

	if err := c.store.Set(ctx, next); err != nil {
		return c.fail(ctx, lg, fmt.Errorf("%s: %w", op, err))
	}

	c.metrics.ObserveRefresh(metrics.RefreshSuccess)
	lg.Info("session_refreshed",
		slog.Int64("user_id", next.UserID),
		slog.Duration("ttl", next.TTL(c.now())),
	)

	return nil
}

// fail — обмен не удался: сессия очищается, хост уведомляется. Повтора нет.
func (c *Coordinator) fail(ctx context.Context, lg *slog.Logger, cause error) error {
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	if err := c.store.Clear(clearCtx); err != nil {
		lg.Error("session_clear_failed", slog.String("err", err.Error()))
	}

	c.metrics.ObserveRefresh(metrics.RefreshFailure)
	lg.Warn("refresh_failed", slog.String("err", cause.Error()))

	c.onExpired()

	return apierrors.RefreshFailed(cause)
}

func (c *Coordinator) logger(ctx context.Context) *slog.Logger {
	if l := log.From(ctx); l != slog.Default() {
		return l
	}

	return c.log
}

// PeriodicCheck — хэндл фоновой проверки. Stop обязателен при завершении хоста.
type PeriodicCheck struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop останавливает таймер и ждёт выхода цикла. Повторный вызов безопасен.
func (p *PeriodicCheck) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

// Done закрывается после выхода цикла.
func (p *PeriodicCheck) Done() <-chan struct{} { return p.done }

// StartPeriodicCheck каждые interval проверяет сессию и, если до истечения
// осталось меньше threshold, запускает тот же single-flight обмен.
// Цикл завершается по Stop или отмене ctx.
func (c *Coordinator) StartPeriodicCheck(ctx context.Context) *PeriodicCheck {
	ctx, cancel := context.WithCancel(ctx)
	p := &PeriodicCheck{cancel: cancel, done: make(chan struct{})}

	lg := c.logger(ctx)
	lg.Info("refresh_check_start",
		slog.Duration("interval", c.interval),
		slog.Duration("threshold", c.threshold),
	)

	go func() {
		defer close(p.done)

		t := time.NewTicker(c.interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				lg.Info("refresh_check_stop")
				return
			case <-t.C:
				c.checkOnce(ctx)
			}
		}
	}()

	return p
}

func (c *Coordinator) checkOnce(ctx context.Context) {
	s, err := c.store.Get(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			c.logger(ctx).Warn("session_read_failed", slog.String("err", err.Error()))
		}
		return
	}

	if !s.Refreshable() || s.TTL(c.now()) >= c.threshold {
		return
	}

	_ = c.refresh(ctx, s.RefreshToken)
}
