package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (VENDO_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (VENDO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MachineID   string `default:"VM01" usage:"Hardware identity of this kiosk" flag:"machine-id"`
	Debug       bool   `default:"false" usage:"Enable debug endpoints (dispense simulation)"`

	Midtrans     MidtransConfig
	MQTT         MQTTConfig
	Orchestrator OrchestratorConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// MidtransConfig holds the payment gateway credentials and endpoints.
type MidtransConfig struct {
	ServerKey       string `usage:"Midtrans server key (VENDO_MIDTRANS_SERVER_KEY)" flag:"midtrans-server-key"`
	SnapBaseURL     string `default:"https://app.sandbox.midtrans.com" usage:"Snap API base URL" flag:"midtrans-snap-url"`
	APIBaseURL      string `default:"https://api.sandbox.midtrans.com" usage:"Core API base URL" flag:"midtrans-api-url"`
	NotificationURL string `usage:"Override webhook notification URL sent with each session" flag:"midtrans-notification-url"`
	FinishURL       string `usage:"Redirect URL after the hosted payment page finishes" flag:"midtrans-finish-url"`
}

// MQTTConfig holds the hardware bus connection settings.
type MQTTConfig struct {
	BrokerURL string `default:"tcp://localhost:1883" usage:"MQTT broker URL" flag:"mqtt-broker"`
	Username  string `usage:"MQTT username" flag:"mqtt-username"`
	Password  string `usage:"MQTT password" flag:"mqtt-password"`
	ClientID  string `usage:"MQTT client id (defaults to a random orchestrator-* id)" flag:"mqtt-client-id"`
}

// OrchestratorConfig controls the order state machine's timing.
type OrchestratorConfig struct {
	OrderTTL     time.Duration `default:"15m" usage:"How long a pending order may await payment" flag:"order-ttl"`
	DispenseWait time.Duration `default:"60s" usage:"How long to wait for the machine's dispense result" flag:"dispense-wait"`
	PollInterval time.Duration `default:"5s" usage:"Gateway status poll cadence for pending orders" flag:"poll-interval"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "VENDO",
		Files:     []string{"config.yaml", "/etc/vendo/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set VENDO_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Midtrans.ServerKey == "" {
		return nil, errors.New("Midtrans server key is required: set VENDO_MIDTRANS_SERVER_KEY")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's VENDO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
