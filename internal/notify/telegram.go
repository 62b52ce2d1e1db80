// Package notify delivers digests and reminders over Telegram and lets users
// link a chat to their account.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/config"
	"github.com/stellarlinkco/lovecare/internal/journal"
	"github.com/stellarlinkco/lovecare/internal/logging"
)

// Telegram rejects messages over 4096 characters.
const maxMessageLen = 4000

const usageText = `Hi! I send your weekly LoveCare digest and a gentle evening reminder.

To link this chat, create a link code in the LoveCare app and send:
/link CODE`

var ErrBotNotReady = errors.New("telegram bot not initialized")

// Bot is the slice of the Telegram API the notifier uses (allows mocking).
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// botWrapper wraps tgbotapi.BotAPI to implement Bot
type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *botWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates Bot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

// DefaultBotFactory talks to the real Telegram API.
func DefaultBotFactory(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Linker redeems a one-time link code issued to a signed-in user and attaches
// the chat to that user's account.
type Linker interface {
	RedeemLinkCode(ctx context.Context, code string, chatID int64) (string, error)
}

type Notifier struct {
	token      string
	proxy      string
	allowFrom  map[string]bool
	linker     Linker
	botFactory BotFactory
	logger     *zap.Logger

	mu     sync.Mutex
	bot    Bot
	cancel context.CancelFunc
}

func NewNotifier(cfg config.TelegramConfig, linker Linker, logger *zap.Logger) (*Notifier, error) {
	return NewNotifierWithFactory(cfg, linker, logger, DefaultBotFactory)
}

// NewNotifierWithFactory creates a Notifier with a custom bot factory (for testing)
func NewNotifierWithFactory(cfg config.TelegramConfig, linker Linker, logger *zap.Logger, factory BotFactory) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	n := &Notifier{
		token:      cfg.Token,
		proxy:      cfg.Proxy,
		allowFrom:  make(map[string]bool),
		linker:     linker,
		botFactory: factory,
		logger:     logging.OrNop(logger).Named("telegram"),
	}
	for _, id := range cfg.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			n.allowFrom[id] = true
		}
	}
	return n, nil
}

// Connect creates the bot client. Send works after Connect without Start.
func (n *Notifier) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return nil
	}

	client := http.DefaultClient
	if n.proxy != "" {
		proxyURL, err := url.Parse(n.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := n.botFactory(n.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	n.bot = bot
	n.logger.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

// Start connects and begins long polling for /start and /link commands.
func (n *Notifier) Start(ctx context.Context) error {
	if err := n.Connect(); err != nil {
		return err
	}

	n.mu.Lock()
	ctx, n.cancel = context.WithCancel(ctx)
	bot := n.bot
	n.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				n.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	n.logger.Info("polling started")
	return nil
}

func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	bot := n.bot
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	n.logger.Info("stopped")
}

// SetBot sets the bot (for testing)
func (n *Notifier) SetBot(bot Bot) {
	n.mu.Lock()
	n.bot = bot
	n.mu.Unlock()
}

func (n *Notifier) isAllowed(from *tgbotapi.User) bool {
	if len(n.allowFrom) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	return n.allowFrom[strconv.FormatInt(from.ID, 10)] || (from.UserName != "" && n.allowFrom[from.UserName])
}

func (n *Notifier) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if !n.isAllowed(msg.From) {
		n.logger.Info("rejected message", zap.Int64("chat", msg.Chat.ID))
		return
	}
	if !msg.IsCommand() {
		n.reply(msg.Chat.ID, usageText)
		return
	}

	switch msg.Command() {
	case "start", "help":
		n.reply(msg.Chat.ID, usageText)
	case "link":
		n.reply(msg.Chat.ID, n.link(ctx, msg.Chat.ID, msg.CommandArguments()))
	default:
		n.reply(msg.Chat.ID, "Unknown command. "+usageText)
	}
}

func (n *Notifier) link(ctx context.Context, chatID int64, args string) string {
	code := strings.TrimSpace(args)
	if code == "" {
		return "Usage: /link CODE"
	}
	if n.linker == nil {
		return "Linking is not available right now."
	}
	_, err := n.linker.RedeemLinkCode(ctx, code, chatID)
	switch {
	case err == nil:
		n.logger.Info("chat linked", zap.Int64("chat", chatID))
		return "Linked! You will receive your weekly digest here."
	case errors.Is(err, journal.ErrNotFound):
		n.logger.Info("rejected link code", zap.Int64("chat", chatID))
		return "That code is invalid or expired. Create a new one in the LoveCare app."
	default:
		n.logger.Error("link failed", zap.Int64("chat", chatID), zap.Error(err))
		return "Something went wrong while linking. Please try again later."
	}
}

func (n *Notifier) reply(chatID int64, text string) {
	if err := n.Send(chatID, text); err != nil {
		n.logger.Warn("reply failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// Send delivers text to chatID, splitting long messages. Text may use
// **bold** and *italic* markers.
func (n *Notifier) Send(chatID int64, text string) error {
	n.mu.Lock()
	bot := n.bot
	n.mu.Unlock()
	if bot == nil {
		return ErrBotNotReady
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := bot.Send(msg); err != nil {
			// Retry as plain text in case the markup was rejected.
			msg.ParseMode = ""
			msg.Text = chunk
			if _, err2 := bot.Send(msg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// splitMessage cuts text into chunks whose HTML form fits in n bytes,
// preferring line breaks. Runes are never split.
func splitMessage(text string, n int) []string {
	var chunks []string
	for len(toTelegramHTML(text)) > n {
		cut := fitPrefix(text, n)
		if nl := strings.LastIndex(text[:cut], "\n"); nl > 0 {
			cut = nl
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// fitPrefix returns the length of the longest rune-aligned prefix of text
// whose HTML form fits in n bytes. At least one rune is always taken.
func fitPrefix(text string, n int) int {
	cut := min(len(text), n)
	for cut > 0 {
		for cut > 0 && cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut--
		}
		over := len(toTelegramHTML(text[:cut])) - n
		if over <= 0 {
			break
		}
		// One raw byte grows to at most five escaped bytes.
		cut -= (over + 4) / 5
	}
	if cut <= 0 {
		_, size := utf8.DecodeRuneInString(text)
		cut = size
	}
	return cut
}

// toTelegramHTML escapes text and converts **bold** and *italic* markers.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = replacePairs(s, "**", "<b>", "</b>")
	s = replacePairs(s, "*", "<i>", "</i>")
	return s
}

func replacePairs(s, marker, openTag, closeTag string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + openTag + s[start+len(marker):end] + closeTag + s[end+len(marker):]
	}
}
