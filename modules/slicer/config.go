package slicer

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/mp3slice/pkg/rangefetch"
)

// Probe window: the first MiB of the resource. Setting probe-offset to 1MiB
// and probe-size to 1KiB skips leading metadata instead.
//
// Write buffer sizing guidance (write-buffer-size):
// - SSD wear: fewer, larger writes reduce I/O overhead; 256KiB–1MiB is a good range.
// - NFS: larger buffers amortize round-trip cost; 512KiB–1MiB often performs better than 256KiB.
// - Upper bound: config is clamped to 4MiB to limit memory and avoid huge single writes.
const (
	defaultProbeOffset     = 0
	defaultProbeSize       = 1 << 20 // 1 MiB
	defaultProbeAttempts   = 2
	defaultWriteBufferSize = 256 * 1024 // 256 KiB
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultRetryBackoffMax = 10 * time.Second
	defaultMaxRetries      = 3
	defaultProbeCacheTTL   = 10 * time.Minute
)

// Job is one slice to produce when the service starts.
type Job struct {
	URL    string        `yaml:"url"`
	Start  time.Duration `yaml:"start"`
	End    time.Duration `yaml:"end"`
	Output string        `yaml:"output"`
}

type Config struct {
	// Single job from flags, appended to Jobs when URL is set.
	URL    string        `yaml:"url,omitempty"`
	Start  time.Duration `yaml:"start,omitempty"`
	End    time.Duration `yaml:"end,omitempty"`
	Output string        `yaml:"output,omitempty"`

	Jobs          []Job  `yaml:"jobs,omitempty"`
	Dir           string `yaml:"dir,omitempty"`
	ExitAfterJobs bool   `yaml:"exit-after-jobs,omitempty"` // stop the process once the jobs are done

	ProbeOffset   int64         `yaml:"probe-offset,omitempty"`
	ProbeSize     int64         `yaml:"probe-size,omitempty"`
	ProbeAttempts int           `yaml:"probe-attempts,omitempty"`
	ProbeCacheTTL time.Duration `yaml:"probe-cache-ttl,omitempty"`

	WriteBufferSize int           `yaml:"write-buffer-size,omitempty"` // bytes to buffer before writing (reduces write frequency)
	RetryBackoff    time.Duration `yaml:"retry-backoff,omitempty"`     // initial delay before retrying a failed request
	RetryBackoffMax time.Duration `yaml:"retry-backoff-max,omitempty"` // cap on retry delay (exponential backoff)
	MaxRetries      int           `yaml:"max-retries,omitempty"`

	HTTP rangefetch.Config `yaml:"http,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "URL of an MP3 file to slice once at startup")
	f.DurationVar(&cfg.Start, util.PrefixConfig(prefix, "start"), 0, "Start of the slice, eg: 1m30s")
	f.DurationVar(&cfg.End, util.PrefixConfig(prefix, "end"), 30*time.Second, "End of the slice, eg: 2m")
	f.StringVar(&cfg.Output, util.PrefixConfig(prefix, "output"), "slice.mp3", "File to write the slice to, relative to dir")
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), "", "The directory to save slices")
	f.BoolVar(&cfg.ExitAfterJobs, util.PrefixConfig(prefix, "exit-after-jobs"), false,
		"Exit once the configured jobs are done instead of serving HTTP. The exit status is non-zero when a job failed.")

	f.Int64Var(&cfg.ProbeOffset, util.PrefixConfig(prefix, "probe-offset"), defaultProbeOffset,
		"Byte offset of the first probe window used to locate a frame header.")
	f.Int64Var(&cfg.ProbeSize, util.PrefixConfig(prefix, "probe-size"), defaultProbeSize,
		"Size in bytes of each probe window.")
	f.IntVar(&cfg.ProbeAttempts, util.PrefixConfig(prefix, "probe-attempts"), defaultProbeAttempts,
		"Number of consecutive probe windows to try before giving up on finding a frame header.")
	f.DurationVar(&cfg.ProbeCacheTTL, util.PrefixConfig(prefix, "probe-cache-ttl"), defaultProbeCacheTTL,
		"How long a located frame header is remembered per URL. 0 disables the cache.")

	f.IntVar(&cfg.WriteBufferSize, util.PrefixConfig(prefix, "write-buffer-size"), defaultWriteBufferSize,
		"Bytes to buffer in memory before writing to disk (default 256KiB). Larger values reduce write frequency (helps SSD longevity and NFS). Reasonable range: 256KiB-1MiB.")
	f.DurationVar(&cfg.RetryBackoff, util.PrefixConfig(prefix, "retry-backoff"), defaultRetryBackoff,
		"Initial delay before retrying a failed request. Exponential backoff is used up to retry-backoff-max.")
	f.DurationVar(&cfg.RetryBackoffMax, util.PrefixConfig(prefix, "retry-backoff-max"), defaultRetryBackoffMax,
		"Maximum delay between retries.")
	f.IntVar(&cfg.MaxRetries, util.PrefixConfig(prefix, "max-retries"), defaultMaxRetries,
		"Maximum attempts for a request that fails with a transient error.")

	cfg.HTTP.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "http"), f)
}

func (cfg *Config) applyDefaults() {
	if cfg.ProbeSize <= 0 {
		cfg.ProbeSize = defaultProbeSize
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 1
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoff {
		cfg.RetryBackoffMax = cfg.RetryBackoff
	}
}

// jobs returns the configured jobs, including the one from flags.
func (cfg *Config) jobs() []Job {
	jobs := append([]Job(nil), cfg.Jobs...)
	if cfg.URL != "" {
		jobs = append(jobs, Job{URL: cfg.URL, Start: cfg.Start, End: cfg.End, Output: cfg.Output})
	}
	return jobs
}
