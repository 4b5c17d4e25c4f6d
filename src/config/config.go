package config

import (
	"io"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Node modes.
const (
	ModeMaster = "master"
	ModeSlave  = "slave"
)

// Default filenames, relative to the data directory.
const (
	DefaultLogFile           = "log/sugar-network.log"
	DefaultAuthorizationFile = "etc/authorization.conf"
	DefaultParcelDir         = "parcels"
)

// Default configuration values.
const (
	DefaultLogLevel      = "info"
	DefaultListen        = "127.0.0.1:8000"
	DefaultMode          = ModeSlave
	DefaultAcceptLength  = 0
	DefaultCacheSize     = 1024
	DefaultReserve       = 64 << 20
	DefaultPopulateBatch = 64
	DefaultWatchFiles    = true
	DefaultSyncInterval  = 10 * time.Minute
	DefaultTimeout       = 60 * time.Second
	DefaultLogMaxSize    = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAge     = 28
)

// Config contains all the configuration properties of a Sugar Network node.
type Config struct {
	// DataDir is the top-level directory holding the volume, the counters
	// and the node state.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// Listen is the address:port the HTTP service binds to. Empty disables
	// the service.
	Listen string `mapstructure:"listen"`

	// Mode is either "master" or "slave".
	Mode string `mapstructure:"mode"`

	// MasterURL is where a slave syncs online. Its host:port is also the
	// guid of the master.
	MasterURL string `mapstructure:"master-url"`

	// GUID overrides the node guid: the netloc for a master, the persisted
	// UUID for a slave.
	GUID string `mapstructure:"guid"`

	// AcceptLength is the byte limit a slave asks the master to respect per
	// response, and the default limit of exported parcels. Zero means no
	// limit.
	AcceptLength int64 `mapstructure:"accept-length"`

	// CacheSize is the number of conversations a master remembers.
	CacheSize int `mapstructure:"cache-size"`

	// Reserve is the number of bytes blob writes leave free on disk.
	Reserve uint64 `mapstructure:"reserve"`

	// PopulateBatch is the number of records reindexed between two
	// cancellation checks.
	PopulateBatch int `mapstructure:"populate-batch"`

	// WatchFiles registers files dropped under files/ as they appear.
	WatchFiles bool `mapstructure:"watch-files"`

	// ParcelDir is where parcels are exported and imported from. Relative
	// paths are resolved against DataDir.
	ParcelDir string `mapstructure:"parcel-dir"`

	// SyncInterval is the period of online syncs a slave runs when MasterURL
	// is set. Zero disables them.
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// Timeout bounds one online sync round-trip.
	Timeout time.Duration `mapstructure:"timeout"`

	// NoLogFile disables the log file under DataDir.
	NoLogFile bool `mapstructure:"no-log-file"`

	// LogMaxSize, LogMaxBackups and LogMaxAge drive the rotation of the log
	// file, in megabytes, files and days.
	LogMaxSize    int `mapstructure:"log-max-size"`
	LogMaxBackups int `mapstructure:"log-max-backups"`
	LogMaxAge     int `mapstructure:"log-max-age"`

	// Clock stamps property mtimes. Defaults to time.Now.
	Clock func() time.Time `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:       DefaultDataDir(),
		LogLevel:      DefaultLogLevel,
		Listen:        DefaultListen,
		Mode:          DefaultMode,
		AcceptLength:  DefaultAcceptLength,
		CacheSize:     DefaultCacheSize,
		Reserve:       DefaultReserve,
		PopulateBatch: DefaultPopulateBatch,
		WatchFiles:    DefaultWatchFiles,
		ParcelDir:     DefaultParcelDir,
		SyncInterval:  DefaultSyncInterval,
		Timeout:       DefaultTimeout,
		LogMaxSize:    DefaultLogMaxSize,
		LogMaxBackups: DefaultLogMaxBackups,
		LogMaxAge:     DefaultLogMaxAge,
	}
}

// NewTestConfig returns a config rooted in a temporary directory, without
// reserve nor log file, and logging through t.
func NewTestConfig(t testing.TB, mode string) *Config {
	config := NewDefaultConfig()
	config.DataDir = t.TempDir()
	config.Mode = mode
	config.Listen = ""
	config.Reserve = 0
	config.WatchFiles = false
	config.SyncInterval = 0
	config.NoLogFile = true
	config.logger = common.NewTestLogger(t)
	return config
}

// IsMaster ...
func (c *Config) IsMaster() bool {
	return c.Mode == ModeMaster
}

// Path resolves a path relative to DataDir.
func (c *Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.DataDir, rel)
}

// ParcelPath ...
func (c *Config) ParcelPath() string {
	return c.Path(c.ParcelDir)
}

// AuthorizationFile ...
func (c *Config) AuthorizationFile() string {
	return c.Path(DefaultAuthorizationFile)
}

// LogFile ...
func (c *Config) LogFile() string {
	return c.Path(DefaultLogFile)
}

// SetLogger replaces the logger built from the configuration.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "sugar-network".
// Unless disabled, every entry is also written as JSON to the rotated log
// file.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if !c.NoLogFile {
			c.logger.Hooks.Add(lfshook.NewHook(
				logFileWriters(c.rotator()),
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "sugar-network")
}

func (c *Config) rotator() io.Writer {
	path := c.LogFile()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return io.Discard
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.LogMaxSize,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAge,
	}
}

func logFileWriters(w io.Writer) lfshook.WriterMap {
	res := lfshook.WriterMap{}
	for _, level := range logrus.AllLevels {
		res[level] = w
	}
	return res
}

// DefaultDataDir returns the default data directory based on the underlying
// OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Sugar Network")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "SugarNetwork")
		} else {
			return filepath.Join(home, ".sugar-network")
		}
	}
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
