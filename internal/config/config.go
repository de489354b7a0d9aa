package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/payhook/internal/delivery"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNSQ      = "nsq"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for delivery jobs
	DLQTopic        string // Dead letter queue topic
	WorkerChannel   string // NSQ channel name for workers
}

type Delivery struct {
	MaxAttempts         int           // Attempts per lineage including the first
	BackoffBase         time.Duration // Delay after the first failure
	BackoffCap          time.Duration // Upper bound for any retry delay
	JitterPercent       float64       // Extra random delay as a fraction (0.0-1.0)
	AttemptTimeout      time.Duration // Per-attempt HTTP timeout
	ExcerptBytes        int           // Response body bytes kept in the ledger
	Workers             int           // In-process delivery workers
	EndpointConcurrency int           // Max in-flight attempts per endpoint
	SignatureHeader     string        // HTTP header for webhook signature
	PublishDLQ          bool          // Whether to publish exhausted deliveries to the DLQ topic
}

type Auth struct {
	PublicKeyPEM string // RSA public key; empty disables bearer auth
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Base64 secret returned by registration
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName            string
	HTTPPort           string // :8080
	GRPCPort           string // :50051
	WorkerHTTPPort     string // :8083, metrics and health for cmd/worker
	StoreBackend       string // memory | postgres
	QueueBackend       string // memory | nsq
	CORSAllowedOrigins []string
	DB                 DB
	NSQ                NSQ
	Delivery           Delivery
	Auth               Auth
	FakeReceiver       FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key, def string) []string {
	var out []string
	for _, part := range strings.Split(getenv(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func FromEnv() Config {
	def := delivery.DefaultPolicy()
	return Config{
		AppName:            getenv("APP_NAME", "payhook"),
		HTTPPort:           getenv("HTTP_PORT", ":8080"),
		GRPCPort:           getenv("GRPC_PORT", ":50051"),
		WorkerHTTPPort:     ":" + getenv("WORKER_HTTP_PORT", "8083"),
		StoreBackend:       getenv("STORE_BACKEND", BackendMemory),
		QueueBackend:       getenv("QUEUE_BACKEND", BackendMemory),
		CORSAllowedOrigins: getenvList("CORS_ALLOWED_ORIGINS", "*"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "payhook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Delivery: Delivery{
			MaxAttempts:         getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
			BackoffBase:         getenvDuration("BACKOFF_BASE", def.Base),
			BackoffCap:          getenvDuration("BACKOFF_CAP", def.Cap),
			JitterPercent:       getenvFloat("BACKOFF_JITTER_PCT", def.Jitter),
			AttemptTimeout:      getenvDuration("ATTEMPT_TIMEOUT", delivery.DefaultAttemptTimeout),
			ExcerptBytes:        getenvInt("RESPONSE_EXCERPT_BYTES", delivery.DefaultExcerptBytes),
			Workers:             getenvInt("DELIVERY_WORKERS", 8),
			EndpointConcurrency: getenvInt("ENDPOINT_CONCURRENCY", 2),
			SignatureHeader:     getenv("WEBHOOK_SIGNATURE_HEADER", delivery.DefaultSignatureHeader),
			PublishDLQ:          getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("JWT_ISSUER", ""),
			Audience:     getenv("JWT_AUDIENCE", ""),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// strictKeys must parse when set; FromEnv falls back to defaults instead
var strictKeys = []struct {
	key   string
	parse func(string) error
}{
	{"MAX_ATTEMPTS", parseInt},
	{"BACKOFF_BASE", parseDuration},
	{"BACKOFF_CAP", parseDuration},
	{"BACKOFF_JITTER_PCT", parseFloat},
	{"ATTEMPT_TIMEOUT", parseDuration},
	{"RESPONSE_EXCERPT_BYTES", parseInt},
	{"DELIVERY_WORKERS", parseInt},
	{"ENDPOINT_CONCURRENCY", parseInt},
	{"PUBLISH_DLQ_TOPIC", parseBool},
}

func parseInt(v string) error {
	_, err := strconv.Atoi(v)
	return err
}

func parseFloat(v string) error {
	_, err := strconv.ParseFloat(v, 64)
	return err
}

func parseBool(v string) error {
	_, err := strconv.ParseBool(v)
	return err
}

func parseDuration(v string) error {
	_, err := time.ParseDuration(v)
	return err
}

// Load reads the environment and rejects malformed or out-of-range settings
func Load() (Config, error) {
	var errs []error
	for _, k := range strictKeys {
		if v := os.Getenv(k.key); v != "" {
			if err := k.parse(v); err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", k.key, v, err))
			}
		}
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	d := c.Delivery
	if d.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt timeout must be positive, got %s", d.AttemptTimeout))
	}
	if d.ExcerptBytes < 0 {
		errs = append(errs, fmt.Errorf("response excerpt bytes must not be negative, got %d", d.ExcerptBytes))
	}
	if d.Workers < 1 {
		errs = append(errs, fmt.Errorf("delivery workers must be at least 1, got %d", d.Workers))
	}
	if d.EndpointConcurrency < 1 {
		errs = append(errs, fmt.Errorf("endpoint concurrency must be at least 1, got %d", d.EndpointConcurrency))
	}
	if d.SignatureHeader == "" {
		errs = append(errs, errors.New("signature header must not be empty"))
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	switch c.QueueBackend {
	case BackendMemory:
	case BackendNSQ:
		if c.StoreBackend != BackendPostgres {
			errs = append(errs, errors.New("nsq queue backend requires the postgres store backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.QueueBackend))
	}
	return errors.Join(errs...)
}

// Policy is the retry policy described by the delivery settings
func (c Config) Policy() delivery.Policy {
	return delivery.Policy{
		MaxAttempts: c.Delivery.MaxAttempts,
		Base:        c.Delivery.BackoffBase,
		Cap:         c.Delivery.BackoffCap,
		Jitter:      c.Delivery.JitterPercent,
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
