// Package gateway wires the journal, insight assistant, HTTP server,
// scheduler and Telegram notifier into one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/config"
	"github.com/stellarlinkco/lovecare/internal/cron"
	"github.com/stellarlinkco/lovecare/internal/insight"
	"github.com/stellarlinkco/lovecare/internal/journal"
	"github.com/stellarlinkco/lovecare/internal/logging"
	"github.com/stellarlinkco/lovecare/internal/notify"
	"github.com/stellarlinkco/lovecare/internal/server"
)

// Built-in job names.
const (
	DigestJobName   = "weekly-digest"
	ReminderJobName = "daily-reminder"
)

// Sender delivers a text message to a chat.
type Sender interface {
	Send(chatID int64, text string) error
}

// Options for creating a Gateway
type Options struct {
	AssistantFactory insight.Factory
	BotFactory       notify.BotFactory
	Logger           *zap.Logger
	SignalChan       chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *journal.Store
	assistant  insight.Assistant
	server     *server.Server
	cron       *cron.Service
	notifier   *notify.Notifier
	sender     Sender
	signalChan chan os.Signal

	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{Logger: logger})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		signalChan: opts.SignalChan,
	}

	store, err := journal.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	g.store = store

	factory := opts.AssistantFactory
	if factory == nil {
		factory = insight.NewAssistant
	}
	assistant, err := factory(cfg)
	switch {
	case errors.Is(err, insight.ErrNoAPIKey):
		g.logger.Warn("no provider api key; insight chat disabled")
	case err != nil:
		_ = store.Close()
		return nil, fmt.Errorf("create insight assistant: %w", err)
	default:
		g.assistant = assistant
	}

	srv, err := server.New(cfg.Server, store, g.assistant, logger)
	if err != nil {
		g.closeResources()
		return nil, err
	}
	g.server = srv

	g.cron = cron.NewService(cfg.JobStorePath(), logger)
	g.cron.OnJob = g.handleJob

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		botFactory := opts.BotFactory
		if botFactory == nil {
			botFactory = notify.DefaultBotFactory
		}
		n, err := notify.NewNotifierWithFactory(cfg.Telegram, store, logger, botFactory)
		if err != nil {
			g.closeResources()
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		g.notifier = n
		g.sender = n
	}

	return g, nil
}

// Store exposes the journal for CLI commands.
func (g *Gateway) Store() *journal.Store {
	return g.store
}

// Scheduler exposes the job service for CLI commands.
func (g *Gateway) Scheduler() *cron.Service {
	return g.cron
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.server.Run(egCtx)
	})

	if g.notifier != nil {
		if err := g.notifier.Start(egCtx); err != nil {
			g.logger.Warn("telegram start failed", zap.Error(err))
			g.sender = nil
		}
	}

	if g.cfg.Schedule.Enabled {
		if err := g.cron.Start(egCtx); err != nil {
			g.logger.Warn("cron start failed", zap.Error(err))
		}
		if err := g.ensureBuiltinJobs(); err != nil {
			g.logger.Warn("ensure built-in jobs failed", zap.Error(err))
		}
	}

	g.logger.Info("running",
		zap.String("host", g.cfg.Server.Host),
		zap.Int("port", g.cfg.Server.Port),
		zap.Bool("insight", g.assistant != nil),
		zap.Bool("telegram", g.sender != nil),
	)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		g.logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-egCtx.Done():
		g.logger.Info("shutting down")
	}

	cancel()
	err := eg.Wait()
	g.Shutdown()
	return err
}

func (g *Gateway) ensureBuiltinJobs() error {
	builtins := []struct {
		name string
		expr string
		kind cron.Kind
	}{
		{DigestJobName, g.cfg.Schedule.Digest, cron.KindDigest},
		{ReminderJobName, g.cfg.Schedule.Reminder, cron.KindReminder},
	}
	var errs []error
	for _, b := range builtins {
		_, err := g.cron.EnsureJob(b.name, cron.Schedule{Kind: cron.ScheduleCron, Expr: b.expr}, cron.Payload{Kind: b.kind})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) handleJob(ctx context.Context, job cron.Job) (string, error) {
	switch job.Payload.Kind {
	case cron.KindDigest:
		return g.sendDigests(ctx)
	case cron.KindReminder:
		text := job.Payload.Message
		if text == "" {
			text = notify.ReminderText
		}
		return g.sendReminders(ctx, text)
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Payload.Kind)
	}
}

// sendDigests pushes the latest analysed week to every subscriber that has
// enough data.
func (g *Gateway) sendDigests(ctx context.Context) (string, error) {
	if g.sender == nil {
		return "telegram disabled", nil
	}
	subs, err := g.store.Subscribers(ctx)
	if err != nil {
		return "", err
	}

	var (
		sent, skipped int
		errs          []error
	)
	for _, u := range subs {
		logs, err := g.store.LatestBatch(ctx, u.Email)
		if err != nil && !errors.Is(err, journal.ErrNotFound) {
			errs = append(errs, fmt.Errorf("load batch for user %d: %w", u.ID, err))
			continue
		}
		if len(logs) < analytics.MinLogs {
			skipped++
			continue
		}
		results, err := analytics.Compute(logs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		breakdown, err := analytics.Explain(logs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := g.sender.Send(u.TelegramChatID, notify.FormatDigest(results, breakdown)); err != nil {
			errs = append(errs, fmt.Errorf("send digest to user %d: %w", u.ID, err))
			continue
		}
		sent++
	}
	return fmt.Sprintf("sent %d digests, skipped %d", sent, skipped), errors.Join(errs...)
}

func (g *Gateway) sendReminders(ctx context.Context, text string) (string, error) {
	if g.sender == nil {
		return "telegram disabled", nil
	}
	subs, err := g.store.Subscribers(ctx)
	if err != nil {
		return "", err
	}
	var errs []error
	sent := 0
	for _, u := range subs {
		if err := g.sender.Send(u.TelegramChatID, text); err != nil {
			errs = append(errs, fmt.Errorf("send reminder to user %d: %w", u.ID, err))
			continue
		}
		sent++
	}
	return fmt.Sprintf("sent %d reminders", sent), errors.Join(errs...)
}

// Shutdown stops background services and releases resources. It is safe to
// call more than once.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		if g.notifier != nil {
			g.notifier.Stop()
		}
		g.closeResources()
		g.logger.Info("shutdown complete")
	})
}

func (g *Gateway) closeResources() {
	if g.assistant != nil {
		g.assistant.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("close journal failed", zap.Error(err))
		}
	}
}
