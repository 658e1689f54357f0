package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. PIZZA_HTTP_ADDR.
const EnvPrefix = "PIZZA"

// MaxCodeTTL caps the lifetime of authorization codes.
const MaxCodeTTL = 10 * time.Minute

type Log struct {
	Level       string
	Development bool
}

type CORS struct {
	AllowedOrigins []string
	AllowedMethods []string
}

type Redis struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Storage struct {
	Backend string
	Redis   Redis
}

// Client is the bootstrap OAuth client. Secret is hashed before it reaches the registry.
type Client struct {
	ID             string
	Secret         string
	RedirectURIs   []string
	Scopes         []string
	RequireConsent bool
}

// User is the bootstrap end-user account.
type User struct {
	Username string
	Password string
	Email    string
	Roles    []string
}

type AuthServer struct {
	HTTPAddr        string
	MetricsAddr     string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
	SessionTTL      time.Duration
	SecureCookie    bool
	SigningKeyFile  string
	GoogleClientID  string
	Storage         Storage
	CORS            CORS
	Log             Log
	Client          Client
	User            User
}

type PizzaService struct {
	HTTPAddr    string
	MetricsAddr string
	GRPCAddr    string
	JWKSURL     string
	Issuer      string
	ClockSkew   time.Duration
	CORS        CORS
	Log         Log
}

// New returns a viper instance reading PIZZA_* environment variables, with
// dots in keys mapped to underscores.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML, TOML or JSON config file into v. Environment
// variables still take precedence.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
}

// SetAuthServerDefaults registers the authorization server defaults.
func SetAuthServerDefaults(v *viper.Viper) {
	setCommonDefaults(v)
	v.SetDefault("http.addr", ":9000")
	v.SetDefault("metrics.addr", "localhost:9100")
	v.SetDefault("issuer", "http://localhost:9000")
	v.SetDefault("token.access_ttl", time.Hour)
	v.SetDefault("token.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("token.code_ttl", 5*time.Minute)
	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.secure_cookie", false)
	v.SetDefault("signing.key_file", "")
	v.SetDefault("google.client_id", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "pizza:oauth:")
	v.SetDefault("client.id", "pizza-client")
	v.SetDefault("client.secret", "secret")
	v.SetDefault("client.redirect_uris", []string{"http://localhost:5173/callback"})
	v.SetDefault("client.scopes", []string{"api.read", "openid", "profile"})
	v.SetDefault("client.require_consent", false)
	v.SetDefault("user.username", "user")
	v.SetDefault("user.password", "password")
	v.SetDefault("user.email", "")
	v.SetDefault("user.roles", []string{"USER"})
}

// SetPizzaServiceDefaults registers the resource server defaults.
func SetPizzaServiceDefaults(v *viper.Viper) {
	setCommonDefaults(v)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", "localhost:9101")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("jwks_url", "http://localhost:9000/oauth2/jwks")
	v.SetDefault("issuer", "http://localhost:9000")
	v.SetDefault("clock_skew", 30*time.Second)
}

func loadCommon(v *viper.Viper) (Log, CORS) {
	return Log{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		}, CORS{
			AllowedOrigins: stringList(v, "cors.allowed_origins"),
			AllowedMethods: stringList(v, "cors.allowed_methods"),
		}
}

// LoadAuthServer reads and validates the authorization server configuration.
func LoadAuthServer(v *viper.Viper) (*AuthServer, error) {
	SetAuthServerDefaults(v)
	logCfg, corsCfg := loadCommon(v)

	cfg := &AuthServer{
		HTTPAddr:        v.GetString("http.addr"),
		MetricsAddr:     v.GetString("metrics.addr"),
		Issuer:          strings.TrimSuffix(v.GetString("issuer"), "/"),
		AccessTokenTTL:  v.GetDuration("token.access_ttl"),
		RefreshTokenTTL: v.GetDuration("token.refresh_ttl"),
		CodeTTL:         v.GetDuration("token.code_ttl"),
		SessionTTL:      v.GetDuration("session.ttl"),
		SecureCookie:    v.GetBool("session.secure_cookie"),
		SigningKeyFile:  v.GetString("signing.key_file"),
		GoogleClientID:  v.GetString("google.client_id"),
		Storage: Storage{
			Backend: v.GetString("storage.backend"),
			Redis: Redis{
				Addr:      v.GetString("redis.addr"),
				Password:  v.GetString("redis.password"),
				DB:        v.GetInt("redis.db"),
				KeyPrefix: v.GetString("redis.key_prefix"),
			},
		},
		CORS: corsCfg,
		Log:  logCfg,
		Client: Client{
			ID:             v.GetString("client.id"),
			Secret:         v.GetString("client.secret"),
			RedirectURIs:   stringList(v, "client.redirect_uris"),
			Scopes:         stringList(v, "client.scopes"),
			RequireConsent: v.GetBool("client.require_consent"),
		},
		User: User{
			Username: v.GetString("user.username"),
			Password: v.GetString("user.password"),
			Email:    v.GetString("user.email"),
			Roles:    stringList(v, "user.roles"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *AuthServer) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http.addr is required")
	}
	if err := validateAbsURL("issuer", c.Issuer); err != nil {
		return err
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.CodeTTL <= 0 || c.CodeTTL > MaxCodeTTL {
		return fmt.Errorf("token.code_ttl must be in (0, %s]", MaxCodeTTL)
	}
	if c.SessionTTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Client.ID == "" || c.Client.Secret == "" {
		return errors.New("client.id and client.secret are required")
	}
	for _, uri := range c.Client.RedirectURIs {
		if err := validateAbsURL("client.redirect_uris", uri); err != nil {
			return err
		}
	}
	if c.User.Username == "" || c.User.Password == "" {
		return errors.New("user.username and user.password are required")
	}
	return nil
}

// LoadPizzaService reads and validates the resource server configuration.
func LoadPizzaService(v *viper.Viper) (*PizzaService, error) {
	SetPizzaServiceDefaults(v)
	logCfg, corsCfg := loadCommon(v)

	cfg := &PizzaService{
		HTTPAddr:    v.GetString("http.addr"),
		MetricsAddr: v.GetString("metrics.addr"),
		GRPCAddr:    v.GetString("grpc.addr"),
		JWKSURL:     v.GetString("jwks_url"),
		Issuer:      strings.TrimSuffix(v.GetString("issuer"), "/"),
		ClockSkew:   v.GetDuration("clock_skew"),
		CORS:        corsCfg,
		Log:         logCfg,
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("http.addr is required")
	}
	if err := validateAbsURL("jwks_url", cfg.JWKSURL); err != nil {
		return nil, err
	}
	if cfg.ClockSkew < 0 {
		return nil, errors.New("clock_skew must not be negative")
	}
	return cfg, nil
}

// stringList reads a list setting. Values from the environment or flags
// arrive as one string and are split on commas and whitespace.
func stringList(v *viper.Viper, key string) []string {
	if raw, ok := v.Get(key).(string); ok {
		return strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
	}
	return v.GetStringSlice(key)
}

func validateAbsURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}
