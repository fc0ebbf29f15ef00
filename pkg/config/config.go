// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rusq/osenv/v2"
	"golang.org/x/oauth2"
)

// Transport selects how the MCP server communicates with its clients.
type Transport string

const (
	// TransportHTTP answers each POST /mcp with the JSON-RPC response body.
	TransportHTTP Transport = "http"
	// TransportSSE pushes responses over an open GET /mcp event stream.
	TransportSSE Transport = "sse"
	// TransportWS exchanges JSON-RPC messages over a WebSocket connection.
	TransportWS Transport = "ws"
)

// ErrorMode selects how tool execution failures are reported to the client.
type ErrorMode string

const (
	// ErrorModeResult reports failures as a tool result flagged isError:true,
	// keeping them visible to the calling agent.
	ErrorModeResult ErrorMode = "result"
	// ErrorModeEnvelope reports failures as a JSON-RPC error envelope.
	ErrorModeEnvelope ErrorMode = "envelope"
)

const botTokenPrefix = "xoxb-"

// DuoConfig holds the Duo OAuth2 settings. All fields are required when
// Enabled is true.
type DuoConfig struct {
	Enabled               bool
	APIHostname           string
	ClientID              string
	ClientSecret          string
	IntrospectionEndpoint string
	RedirectURI           string
}

// OAuthConfig builds the oauth2 client configuration for the Duo
// authorization and token endpoints. Client credentials are sent with HTTP
// Basic auth on the token endpoint.
func (d DuoConfig) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://" + d.APIHostname + "/oauth/v1/authorize",
			TokenURL:  "https://" + d.APIHostname + "/oauth/v1/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: d.RedirectURI,
		Scopes:      []string{"openid"},
	}
}

// Config is the complete server configuration.
type Config struct {
	SlackBotToken string
	Port          string
	Transport     Transport
	ToolErrorMode ErrorMode
	Duo           DuoConfig
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Load reads configuration from the environment. Call godotenv.Load
// beforehand if a .env file should be honoured.
func Load() (*Config, error) {
	cfg := &Config{
		SlackBotToken: osenv.Secret("SLACK_BOT_TOKEN", ""),
		Port:          osenv.Value("PORT", "8080"),
		Transport:     Transport(osenv.Value("MCP_TRANSPORT", string(TransportHTTP))),
		ToolErrorMode: ErrorMode(osenv.Value("MCP_TOOL_ERROR_MODE", string(ErrorModeResult))),
		Duo: DuoConfig{
			APIHostname:           osenv.Value("DUO_API_HOSTNAME", ""),
			ClientID:              osenv.Value("DUO_CLIENT_ID", ""),
			ClientSecret:          osenv.Secret("DUO_CLIENT_SECRET", ""),
			IntrospectionEndpoint: osenv.Value("DUO_TOKEN_INTROSPECTION_ENDPOINT", ""),
			RedirectURI:           osenv.Value("DUO_REDIRECT_URI", ""),
		},
	}

	duoEnabled, err := strconv.ParseBool(osenv.Value("DUO_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid DUO_ENABLED value: %w", err)
	}
	cfg.Duo.Enabled = duoEnabled

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN environment variable is required; " +
			"create a Slack app with the chat:write scope and export its Bot User OAuth Token")
	}
	if !strings.HasPrefix(c.SlackBotToken, botTokenPrefix) {
		return fmt.Errorf("invalid SLACK_BOT_TOKEN: bot tokens start with %q", botTokenPrefix)
	}

	switch c.Transport {
	case TransportHTTP, TransportSSE, TransportWS:
	default:
		return fmt.Errorf("invalid MCP_TRANSPORT %q: must be one of http, sse, ws", c.Transport)
	}

	switch c.ToolErrorMode {
	case ErrorModeResult, ErrorModeEnvelope:
	default:
		return fmt.Errorf("invalid MCP_TOOL_ERROR_MODE %q: must be result or envelope", c.ToolErrorMode)
	}

	if c.Duo.Enabled {
		var missing []string
		for _, f := range []struct{ name, value string }{
			{"DUO_API_HOSTNAME", c.Duo.APIHostname},
			{"DUO_CLIENT_ID", c.Duo.ClientID},
			{"DUO_CLIENT_SECRET", c.Duo.ClientSecret},
			{"DUO_TOKEN_INTROSPECTION_ENDPOINT", c.Duo.IntrospectionEndpoint},
			{"DUO_REDIRECT_URI", c.Duo.RedirectURI},
		} {
			if f.value == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("DUO_ENABLED is set but configuration is incomplete, missing: %s",
				strings.Join(missing, ", "))
		}
	}

	return nil
}
