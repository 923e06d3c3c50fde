package config

import (
	"flag"
	"fmt"
	"time"
)

// Client configures cmd/ssh-http-proxy.
type Client struct {
	Endpoint    string
	User        string
	Token       string
	Target      string
	ReadTimeout time.Duration
	MaxChunk    int
	Verbose     bool
	LogLevel    string
}

var clientEnv = []binding{
	{"SSH_HTTP_ENDPOINT", "endpoint"},
	{"SSH_HTTP_USER", "user"},
	{"SSH_HTTP_TOKEN", "token"},
	{"SSH_HTTP_TARGET", "target"},
	{"SSH_HTTP_READ_TIMEOUT", "read-timeout"},
	{"SSH_HTTP_MAX_CHUNK", "max-chunk"},
	{"SSH_HTTP_VERBOSE", "verbose"},
	{"SSH_HTTP_LOG_LEVEL", "log-level"},
}

func LoadClient(fs *flag.FlagSet, args []string) (*Client, error) {
	c := &Client{}
	fs.StringVar(&c.Endpoint, "endpoint", "", "gateway base URL, e.g. https://bastion.example:443")
	fs.StringVar(&c.User, "user", "codex", "tunnel user")
	fs.StringVar(&c.Token, "token", "", "tunnel token")
	fs.StringVar(&c.Target, "target", "127.0.0.1:22", "backend host:port sent on session create (empty uses the gateway default)")
	durationVar(fs, &c.ReadTimeout, "read-timeout", 25*time.Second, "long-poll timeout")
	fs.IntVar(&c.MaxChunk, "max-chunk", 64*1024, "max bytes per write request")
	fs.BoolVar(&c.Verbose, "verbose", false, "debug logging to stderr")
	fs.StringVar(&c.LogLevel, "log-level", "WARNING", "DEBUG, INFO, WARNING or ERROR")
	if err := load(fs, args, clientEnv); err != nil {
		return nil, err
	}
	if c.Verbose {
		c.LogLevel = "DEBUG"
	}
	return c, c.Validate()
}

func (c *Client) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: -endpoint is required (or set SSH_HTTP_ENDPOINT)", ErrUsage)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: -token is required (or set SSH_HTTP_TOKEN)", ErrUsage)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read-timeout must be positive", ErrUsage)
	}
	if c.MaxChunk <= 0 {
		return fmt.Errorf("%w: max-chunk must be positive", ErrUsage)
	}
	return nil
}
