package station

import (
	"flag"
	"strings"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/demiurge16/localwave/pkg/broadcast"
)

const (
	SourceCommand   = "command"
	SourceShoutcast = "shoutcast"
)

const (
	defaultName              = "localwave"
	defaultContentType       = "audio/mpeg"
	defaultSourceCommand     = "ffmpeg"
	defaultSourceArgs        = "-hide_banner -loglevel warning -re -f concat -safe 0 -stream_loop -1 -i playlist.txt -vn -c:a libmp3lame -b:a 128k -f mp3 pipe:1"
	defaultGracePeriod       = 5 * time.Second
	defaultReconnectInitial  = 5 * time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultMaxListeners      = 500
	defaultMaxListenersPerIP = 10
	defaultConnectRate       = 5.0
	defaultConnectBurst      = 10
)

type SourceConfig struct {
	Kind        string        `yaml:"kind,omitempty"`
	Command     string        `yaml:"command,omitempty"`
	Args        string        `yaml:"args,omitempty"`
	URL         string        `yaml:"url,omitempty"`
	GracePeriod time.Duration `yaml:"grace-period,omitempty"` // SIGTERM to SIGKILL delay for the transcoder
}

type Config struct {
	Name        string       `yaml:"name,omitempty"`
	ContentType string       `yaml:"content-type,omitempty"`
	Source      SourceConfig `yaml:"source,omitempty"`

	BufferChunks    int           `yaml:"buffer-chunks,omitempty"`
	ChunkSize       int           `yaml:"chunk-size,omitempty"`
	SubscriberQueue int           `yaml:"subscriber-queue,omitempty"`
	WriteTimeout    time.Duration `yaml:"write-timeout,omitempty"`
	FrameAlign      bool          `yaml:"frame-align,omitempty"`

	Restart             bool          `yaml:"restart,omitempty"`
	ReconnectBackoff    time.Duration `yaml:"reconnect-backoff,omitempty"`     // initial delay before starting a new session
	ReconnectBackoffMax time.Duration `yaml:"reconnect-backoff-max,omitempty"` // cap on the restart delay (exponential backoff)

	MaxListeners      int     `yaml:"max-listeners,omitempty"`
	MaxListenersPerIP int     `yaml:"max-listeners-per-ip,omitempty"`
	ConnectRate       float64 `yaml:"connect-rate,omitempty"`
	ConnectBurst      int     `yaml:"connect-burst,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Name, util.PrefixConfig(prefix, "name"), defaultName, "Stream name, sent to listeners as icy-name.")
	f.StringVar(&cfg.ContentType, util.PrefixConfig(prefix, "content-type"), defaultContentType, "Content type of the broadcast audio.")

	f.StringVar(&cfg.Source.Kind, util.PrefixConfig(prefix, "source.kind"), SourceCommand,
		"Where the audio comes from: command (transcoder subprocess) or shoutcast (relay an ICY stream).")
	f.StringVar(&cfg.Source.Command, util.PrefixConfig(prefix, "source.command"), defaultSourceCommand, "Transcoder binary.")
	f.StringVar(&cfg.Source.Args, util.PrefixConfig(prefix, "source.args"), defaultSourceArgs,
		"Transcoder arguments, space separated. The transcoder must write the encoded stream to stdout.")
	f.StringVar(&cfg.Source.URL, util.PrefixConfig(prefix, "source.url"), "", "Upstream stream or playlist URL for the shoutcast source.")
	f.DurationVar(&cfg.Source.GracePeriod, util.PrefixConfig(prefix, "source.grace-period"), defaultGracePeriod,
		"How long the transcoder has to exit after SIGTERM before it is killed.")

	f.IntVar(&cfg.BufferChunks, util.PrefixConfig(prefix, "buffer-chunks"), broadcast.DefaultBufferChunks,
		"Number of recent chunks replayed to a new listener.")
	f.IntVar(&cfg.ChunkSize, util.PrefixConfig(prefix, "chunk-size"), broadcast.DefaultChunkSize, "Maximum bytes read from the source at a time.")
	f.IntVar(&cfg.SubscriberQueue, util.PrefixConfig(prefix, "subscriber-queue"), broadcast.DefaultSubscriberQueue,
		"Chunks queued per listener before it is considered too slow and dropped.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), broadcast.DefaultWriteTimeout,
		"Deadline for a single write to a listener.")
	f.BoolVar(&cfg.FrameAlign, util.PrefixConfig(prefix, "frame-align"), true,
		"Start every listener on an MP3 frame boundary.")

	f.BoolVar(&cfg.Restart, util.PrefixConfig(prefix, "restart"), true, "Start a new session when the source ends.")
	f.DurationVar(&cfg.ReconnectBackoff, util.PrefixConfig(prefix, "reconnect-backoff"), defaultReconnectInitial,
		"Initial delay before restarting the source. Exponential backoff is used up to reconnect-backoff-max.")
	f.DurationVar(&cfg.ReconnectBackoffMax, util.PrefixConfig(prefix, "reconnect-backoff-max"), defaultReconnectMax,
		"Maximum delay between source restarts.")

	f.IntVar(&cfg.MaxListeners, util.PrefixConfig(prefix, "max-listeners"), defaultMaxListeners, "Maximum concurrent listeners.")
	f.IntVar(&cfg.MaxListenersPerIP, util.PrefixConfig(prefix, "max-listeners-per-ip"), defaultMaxListenersPerIP,
		"Maximum concurrent listeners from one address.")
	f.Float64Var(&cfg.ConnectRate, util.PrefixConfig(prefix, "connect-rate"), defaultConnectRate,
		"Sustained connections per second allowed from one address.")
	f.IntVar(&cfg.ConnectBurst, util.PrefixConfig(prefix, "connect-burst"), defaultConnectBurst,
		"Connection burst allowed from one address.")
}

func (cfg *Config) engineConfig() broadcast.Config {
	return broadcast.Config{
		BufferChunks:    cfg.BufferChunks,
		ChunkSize:       cfg.ChunkSize,
		SubscriberQueue: cfg.SubscriberQueue,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

func (cfg *Config) sourceArgs() []string {
	return strings.Fields(cfg.Source.Args)
}
