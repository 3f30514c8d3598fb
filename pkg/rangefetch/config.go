package rangefetch

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultUserAgent             = "mp3slice/1.0"
)

type Config struct {
	DialTimeout           time.Duration `yaml:"dial-timeout,omitempty"`
	ResponseHeaderTimeout time.Duration `yaml:"response-header-timeout,omitempty"`
	UserAgent             string        `yaml:"user-agent,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), defaultDialTimeout,
		"Timeout for establishing a connection to the remote server.")
	f.DurationVar(&cfg.ResponseHeaderTimeout, util.PrefixConfig(prefix, "response-header-timeout"), defaultResponseHeaderTimeout,
		"Timeout waiting for response headers. Bodies are streamed without a deadline.")
	f.StringVar(&cfg.UserAgent, util.PrefixConfig(prefix, "user-agent"), defaultUserAgent, "User-Agent sent with every request.")
}
