// Package telegram talks to the Telegram Bot API: it sends replies, downloads
// user photos, registers the webhook and decodes webhook updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

const (
	// DefaultAPIURL is the public Bot API endpoint.
	DefaultAPIURL  = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
	// maxFileSize mirrors the Bot API download limit.
	maxFileSize = 20 << 20
)

// Config holds the bot credentials.
type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Client wraps a tgbotapi.BotAPI.
type Client struct {
	bot     *tgbotapi.BotAPI
	http    *http.Client
	baseURL string
	logger  *slog.Logger
}

var (
	_ core.MessagingGateway = (*Client)(nil)
	_ core.FileDownloader   = (*Client)(nil)
)

// NewClient builds a Client. The token is required. No request is made until
// the first call, so a missing network does not block startup.
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, apperrors.ValidationField("token", "telegram token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bot := &tgbotapi.BotAPI{Token: token, Client: hc, Buffer: 100}
	bot.SetAPIEndpoint(base + "/bot%s/%s")
	return &Client{bot: bot, http: hc, baseURL: base, logger: logger.With("component", "telegram")}, nil
}

// ctxClient binds the Bot API's context-free requests to a caller context.
type ctxClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}

// withContext returns a shallow copy of the bot whose requests honour ctx.
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *c.bot
	bot.Client = ctxClient{ctx: ctx, next: c.http}
	return &bot
}

// classify maps Bot API failures onto the application error kinds.
func (c *Client) classify(method string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return statusError(method, apiErr.Code, apiErr.Message)
	}
	return apperrors.Transient(c.redact(err), method+" request failed")
}

func statusError(method string, status int, description string) error {
	cause := fmt.Errorf("%s: status %d: %s", method, status, strings.TrimSpace(description))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return apperrors.Transient(cause, "telegram unavailable")
	}
	return apperrors.Wrap(cause, apperrors.ErrCodeInternal, "telegram rejected request")
}

// redact strips the bot token from errors that embed request URLs.
func (c *Client) redact(err error) error {
	if err == nil || !strings.Contains(err.Error(), c.bot.Token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.bot.Token, "<token>"))
}

// SendText sends a plain-text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return apperrors.ValidationField("text", "message text is empty")
	}
	if _, err := c.withContext(ctx).Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return c.classify("sendMessage", err)
	}
	return nil
}

// DownloadFile resolves fileID with getFile and downloads its content.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (*model.RemoteFile, error) {
	file, err := c.withContext(ctx).GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, c.classify("getFile", err)
	}
	if file.FilePath == "" {
		return nil, apperrors.NotFoundf("file %s has no download path", fileID)
	}
	if file.FileSize > maxFileSize {
		return nil, apperrors.Validation("file exceeds download limit")
	}

	// File.Link is pinned to the public host, so the URL is built from the configured base.
	fileURL := c.baseURL + "/file/bot" + c.bot.Token + "/" + strings.TrimLeft(file.FilePath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, c.redact(fmt.Errorf("create download request: %w", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Transient(c.redact(err), "file download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("download", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, apperrors.Transient(err, "read file body")
	}
	if len(data) > maxFileSize {
		return nil, apperrors.Validation("file exceeds download limit")
	}
	return &model.RemoteFile{FileID: fileID, Path: file.FilePath, Data: data}, nil
}

// WebhookPath is the route Telegram posts updates to: "/<token>/".
func WebhookPath(token string) string {
	return "/" + strings.TrimSpace(token) + "/"
}

// RegisterWebhook drops any existing webhook and points Telegram at appURL/<token>/.
func (c *Client) RegisterWebhook(ctx context.Context, appURL string) error {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(appURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return apperrors.ValidationField("app_url", "app url must be an absolute URL")
	}
	bot := c.withContext(ctx)
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", c.classify("deleteWebhook", err))
	}
	hook, err := tgbotapi.NewWebhook(base.String() + WebhookPath(c.bot.Token))
	if err != nil {
		return apperrors.ValidationField("app_url", "app url must be an absolute URL")
	}
	if _, err := bot.Request(hook); err != nil {
		return fmt.Errorf("set webhook: %w", c.classify("setWebhook", err))
	}
	c.logger.InfoContext(ctx, "webhook registered", "app_url", base.String())
	return nil
}
