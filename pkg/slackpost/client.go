// Package slackpost wraps the Slack Web API client for posting messages.
package slackpost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chat.postMessage is tiered at roughly one message per second per channel;
// a small burst smooths out concurrent callers.
const (
	defaultPostRate  = rate.Limit(1)
	defaultPostBurst = 3
)

const defaultHTTPTimeout = 10 * time.Second

// Receipt describes a successfully posted message.
type Receipt struct {
	Channel   string
	Timestamp string
}

// Client posts messages to Slack on behalf of the server.
type Client struct {
	api     *slack.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures the Client.
type Option func(*options)

type options struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// WithAPIURL overrides the Slack API base URL. The URL must end with a
// trailing slash. Used by tests to point the client at a stub server.
func WithAPIURL(u string) Option {
	return func(o *options) { o.apiURL = u }
}

// WithHTTPClient overrides the HTTP client used for Slack API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLimiter overrides the outbound rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// New creates a Client authenticated with the given bot token.
func New(token string, logger *zap.Logger, opts ...Option) *Client {
	o := options{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    rate.NewLimiter(defaultPostRate, defaultPostBurst),
	}
	for _, opt := range opts {
		opt(&o)
	}

	slackOpts := []slack.Option{slack.OptionHTTPClient(o.httpClient)}
	if o.apiURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(o.apiURL))
	}

	return &Client{
		api:     slack.New(token, slackOpts...),
		limiter: o.limiter,
		logger:  logger,
	}
}

// AuthTest verifies the bot token against the Slack API and returns the
// authenticated team and user names.
func (c *Client) AuthTest(ctx context.Context) (*slack.AuthTestResponse, error) {
	return c.api.AuthTestContext(ctx)
}

// PostMessage posts text to the given channel and returns the channel and
// message timestamp reported by Slack. Failures carry the Slack API error
// string (e.g. "channel_not_found").
func (c *Client) PostMessage(ctx context.Context, channel, text string) (Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("rate limiter: %w", err)
	}

	respChannel, ts, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		c.logger.Error("chat.postMessage failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return Receipt{}, err
	}

	c.logger.Info("Message posted",
		zap.String("channel", respChannel),
		zap.String("ts", ts),
	)
	return Receipt{Channel: respChannel, Timestamp: ts}, nil
}
