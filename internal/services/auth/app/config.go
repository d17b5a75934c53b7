package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// Config holds everything needed to run the broker.
type Config struct {
	HTTPAddr string `env:"AUTH_BROKER_HTTP_ADDR" envDefault:"localhost:8080" validate:"required"`
	GRPCPort int    `env:"AUTH_BROKER_GRPC_PORT" envDefault:"8081" validate:"min=0,max=65535"`
	DBPath   string `env:"AUTH_BROKER_DB_PATH" envDefault:"data/authbroker.db" validate:"required"`

	LogLevel string `env:"AUTH_BROKER_LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error off"`
	LogJSON  bool   `env:"AUTH_BROKER_LOG_JSON"`

	// PublicURL is the externally visible base URL of the broker.
	PublicURL             string `env:"AUTH_BROKER_PUBLIC_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	PostLogoutRedirectURL string `env:"AUTH_BROKER_POST_LOGOUT_REDIRECT_URL" envDefault:"/" validate:"required"`
	CookieSecure          bool   `env:"AUTH_BROKER_COOKIE_SECURE"`
	CookieDomain          string `env:"AUTH_BROKER_COOKIE_DOMAIN"`

	AccessTokenSecret  string        `env:"AUTH_BROKER_ACCESS_TOKEN_SECRET" validate:"required,min=32"`
	RefreshTokenSecret string        `env:"AUTH_BROKER_REFRESH_TOKEN_SECRET" validate:"required,min=32,nefield=AccessTokenSecret"`
	CorrelationSecret  string        `env:"AUTH_BROKER_CORRELATION_SECRET" validate:"required,min=32"`
	AccessTokenTTL     time.Duration `env:"AUTH_BROKER_ACCESS_TOKEN_TTL" envDefault:"15m" validate:"gt=0"`
	RefreshTokenTTL    time.Duration `env:"AUTH_BROKER_REFRESH_TOKEN_TTL" envDefault:"168h" validate:"gtfield=AccessTokenTTL"`
	CorrelationTTL     time.Duration `env:"AUTH_BROKER_CORRELATION_TTL" envDefault:"10m" validate:"gt=0"`

	IDP IDPConfig
}

// IDPConfig describes the upstream OpenID Connect provider.
type IDPConfig struct {
	Name         string   `env:"AUTH_BROKER_IDP_NAME" envDefault:"oidc" validate:"required"`
	Issuer       string   `env:"AUTH_BROKER_IDP_ISSUER" validate:"required,url"`
	ClientID     string   `env:"AUTH_BROKER_IDP_CLIENT_ID" validate:"required"`
	ClientSecret string   `env:"AUTH_BROKER_IDP_CLIENT_SECRET" validate:"required"`
	RedirectURL  string   `env:"AUTH_BROKER_IDP_REDIRECT_URL" validate:"omitempty,url"`
	Scopes       []string `env:"AUTH_BROKER_IDP_SCOPES"`
	Audiences    []string `env:"AUTH_BROKER_IDP_AUDIENCES"`
	// AuthParams are extra authorize parameters, written as key:value,key:value.
	AuthParams map[string]string `env:"AUTH_BROKER_IDP_AUTH_PARAMS"`

	AuthURL           string `env:"AUTH_BROKER_IDP_AUTH_URL" validate:"omitempty,url"`
	TokenURL          string `env:"AUTH_BROKER_IDP_TOKEN_URL" validate:"omitempty,url"`
	JWKSURL           string `env:"AUTH_BROKER_IDP_JWKS_URL" validate:"omitempty,url"`
	LogoutURL         string `env:"AUTH_BROKER_IDP_LOGOUT_URL" validate:"omitempty,url"`
	LogoutReturnParam string `env:"AUTH_BROKER_IDP_LOGOUT_RETURN_PARAM"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims values and fills the URLs derived from PublicURL.
func (c *Config) Normalize() {
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	c.PostLogoutRedirectURL = strings.TrimSpace(c.PostLogoutRedirectURL)
	c.IDP.Name = strings.TrimSpace(c.IDP.Name)
	c.IDP.Issuer = strings.TrimSpace(c.IDP.Issuer)
	if strings.TrimSpace(c.IDP.RedirectURL) == "" && c.PublicURL != "" {
		c.IDP.RedirectURL = c.PublicURL + "/auth/callback"
	}
}

// LogoutReturnURL is where the IdP sends the browser after signing out.
func (c Config) LogoutReturnURL() string {
	return c.PublicURL + "/auth/logout/callback"
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var result *multierror.Error
	err := validate.Struct(c)
	var fieldErrs validator.ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			result = multierror.Append(result, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
		}
	default:
		result = multierror.Append(result, err)
	}
	if c.RefreshTokenSecret != "" && c.RefreshTokenSecret == c.CorrelationSecret {
		result = multierror.Append(result, errors.New("Config.CorrelationSecret: must differ from the refresh token secret"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.CorrelationSecret {
		result = multierror.Append(result, errors.New("Config.CorrelationSecret: must differ from the access token secret"))
	}
	if static := c.IDP.staticEndpoints(); static > 0 && static < 3 {
		result = multierror.Append(result, errors.New("Config.IDP: AuthURL, TokenURL and JWKSURL must be set together"))
	}
	if c.PostLogoutRedirectURL != "" {
		if _, err := url.Parse(c.PostLogoutRedirectURL); err != nil {
			result = multierror.Append(result, fmt.Errorf("Config.PostLogoutRedirectURL: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (c IDPConfig) staticEndpoints() int {
	n := 0
	for _, v := range []string{c.AuthURL, c.TokenURL, c.JWKSURL} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}
