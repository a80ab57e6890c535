package config

import (
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
)

// EnvPrefix is prepended to every flag name when it is looked up in the
// environment, e.g. -relay-url becomes SHAREDCAM_RELAY_URL.
const EnvPrefix = "SHAREDCAM"

// Config holds the process-wide settings for the status service.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	LogFile   string

	// RelayURL is the base URL of the relay's HTTP API.
	RelayURL string
	// SourceBaseURL is joined with a stream name to build the source URL the
	// relay pulls from when a stream is enabled.
	SourceBaseURL string

	StreamsFile string
	DataFile    string

	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	ListCacheTTL      time.Duration
	SetupRetryMax     time.Duration
	RequestTimeout    time.Duration
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Parse builds a Config from command line arguments, falling back to
// SHAREDCAM_* environment variables and then to defaults.
func Parse(args []string) (Config, error) {
	var c Config

	fs := flag.NewFlagSet("sharedcam", flag.ContinueOnError)
	fs.StringVar(&c.Port, "port", "8080", "HTTP listen port")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	fs.StringVar(&c.LogFile, "log-file", "", "optional rotating log file")
	fs.StringVar(&c.RelayURL, "relay-url", "http://localhost:1984", "relay HTTP API base URL")
	fs.StringVar(&c.SourceBaseURL, "source-base-url", "rtsp://localhost:8554", "base URL of stream sources")
	fs.StringVar(&c.StreamsFile, "streams-file", "streams.yaml", "YAML file listing managed streams")
	fs.StringVar(&c.DataFile, "data-file", "sharedcam.db", "settings database file")
	fs.DurationVar(&c.PollInterval, "poll-interval", 30*time.Second, "relay poll interval")
	fs.DurationVar(&c.KeepaliveInterval, "keepalive-interval", 15*time.Second, "event stream idle keepalive interval")
	fs.DurationVar(&c.ListCacheTTL, "list-cache-ttl", 2*time.Second, "how long a relay stream listing is shared between streams")
	fs.DurationVar(&c.SetupRetryMax, "setup-retry-max", 5*time.Minute, "maximum delay between stream setup attempts")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 10*time.Second, "relay request timeout")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return Config{}, err
	}
	return c, nil
}
