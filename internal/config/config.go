package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Recording modes.
const (
	ModeContinuous  = "continuous"
	ModeMotionGated = "motion_gated"
)

// Display modes.
const (
	DisplayWindow   = "window"
	DisplayHeadless = "headless"
)

// Config holds all application configuration
type Config struct {
	Service     ServiceConfig     `yaml:"service" env-prefix:"CAM_"`
	Capture     CaptureConfig     `yaml:"capture" env-prefix:"CAM_CAPTURE_"`
	Storage     StorageConfig     `yaml:"storage" env-prefix:"CAM_STORAGE_"`
	Recording   RecordingConfig   `yaml:"recording" env-prefix:"CAM_RECORDING_"`
	Buffer      BufferConfig      `yaml:"buffer" env-prefix:"CAM_BUFFER_"`
	Motion      MotionConfig      `yaml:"motion" env-prefix:"CAM_MOTION_"`
	Maintenance MaintenanceConfig `yaml:"maintenance" env-prefix:"CAM_MAINTENANCE_"`
	Display     DisplayConfig     `yaml:"display" env-prefix:"CAM_DISPLAY_"`
	Health      HealthConfig      `yaml:"health" env-prefix:"CAM_HEALTH_"`
	Archive     ArchiveConfig     `yaml:"archive" env-prefix:"CAM_ARCHIVE_"`
	Catalog     CatalogConfig     `yaml:"catalog" env-prefix:"CAM_CATALOG_"`
	Metrics     MetricsConfig     `yaml:"metrics" env-prefix:"CAM_METRICS_"`
	Log         LogConfig         `yaml:"log" env-prefix:"CAM_LOG_"`
}

type ServiceConfig struct {
	Name         string        `yaml:"name" env:"SERVICE_NAME" env-default:"camrecorder"`
	StartupDelay time.Duration `yaml:"startup_delay" env:"STARTUP_DELAY" env-default:"5s"`
}

// CaptureConfig lists the candidate capture devices, tried in order.
type CaptureConfig struct {
	Devices     []string `yaml:"devices" env:"DEVICES" env-separator:"," env-default:"/dev/v4l/by-id/usb-Sonix_Technology_Co.__Ltd._USB_2.0_Camera-video-index0,/dev/v4l/by-id/usb-Generic_USB2.0_HD_UVC_WebCam_0x0001-video-index0"`
	PrimaryOnly bool     `yaml:"primary_only" env:"PRIMARY_ONLY" env-default:"false"`
}

type VolumeConfig struct {
	Label      string `yaml:"label" env:"LABEL"`
	Device     string `yaml:"device" env:"DEVICE"`
	MountPoint string `yaml:"mount_point" env:"MOUNT_POINT"`
}

// StorageConfig describes the two removable volumes and the handoff timing.
type StorageConfig struct {
	MediaRoot      string        `yaml:"media_root" env:"MEDIA_ROOT" env-default:"/media/oldie"`
	Primary        VolumeConfig  `yaml:"primary" env-prefix:"PRIMARY_"`
	Secondary      VolumeConfig  `yaml:"secondary" env-prefix:"SECONDARY_"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"1s"`
	ReleaseSettle  time.Duration `yaml:"release_settle" env:"RELEASE_SETTLE" env-default:"1s"`
	MaxUnmountWait time.Duration `yaml:"max_unmount_wait" env:"MAX_UNMOUNT_WAIT" env-default:"0s"`
	UnmountCommand string        `yaml:"unmount_command" env:"UNMOUNT_COMMAND"`
}

type RecordingConfig struct {
	Mode         string  `yaml:"mode" env:"MODE" env-default:"continuous"`
	FPS          float64 `yaml:"fps" env:"FPS" env-default:"10"`
	FourCC       string  `yaml:"fourcc" env:"FOURCC" env-default:"mp4v"`
	Extension    string  `yaml:"extension" env:"EXTENSION" env-default:"mp4"`
	TimeZone     string  `yaml:"tz_label" env:"TZ_LABEL" env-default:"PST"`
	IntervalsCSV string  `yaml:"intervals_csv" env:"INTERVALS_CSV" env-default:"motion_times of Movements.csv"`
}

// BufferConfig sizes the lookback buffer. 1500 frames is 60 s at 25 fps.
// Frames with more than one motion region are not buffered unless
// AllowMultiObject is set.
type BufferConfig struct {
	Capacity         int  `yaml:"capacity" env:"CAPACITY" env-default:"1500"`
	DrainQuota       int  `yaml:"drain_quota" env:"DRAIN_QUOTA" env-default:"2"`
	AllowMultiObject bool `yaml:"allow_multi_object" env:"ALLOW_MULTI_OBJECT" env-default:"false"`
}

// MaxRegions is the region count above which frames are suppressed; 0 disables.
func (b BufferConfig) MaxRegions() int {
	if b.AllowMultiObject {
		return 0
	}
	return 1
}

type MotionConfig struct {
	Threshold        int           `yaml:"threshold" env:"THRESHOLD" env-default:"15"`
	ThresholdFloor   int           `yaml:"threshold_floor" env:"THRESHOLD_FLOOR" env-default:"15"`
	ThresholdMax     int           `yaml:"threshold_max" env:"THRESHOLD_MAX" env-default:"255"`
	ThresholdStep    int           `yaml:"threshold_step" env:"THRESHOLD_STEP" env-default:"1"`
	MinArea          float64       `yaml:"min_area" env:"MIN_AREA" env-default:"10000"`
	BlurKernel       int           `yaml:"blur_kernel" env:"BLUR_KERNEL" env-default:"21"`
	DilateIterations int           `yaml:"dilate_iterations" env:"DILATE_ITERATIONS" env-default:"2"`
	Silence          time.Duration `yaml:"silence" env:"SILENCE" env-default:"60s"`
	AdaptAfter       time.Duration `yaml:"adapt_after" env:"ADAPT_AFTER" env-default:"60s"`
}

type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL" env-default:"300s"`
}

type DisplayConfig struct {
	Mode       string `yaml:"mode" env:"MODE" env-default:"headless"`
	WindowName string `yaml:"window_name" env:"WINDOW_NAME" env-default:"Color Frame"`
}

// HealthConfig points at the append-only health logs.
type HealthConfig struct {
	BatteryLog     string `yaml:"battery_log" env:"BATTERY_LOG" env-default:"bat.log"`
	MemoryLog      string `yaml:"memory_log" env:"MEMORY_LOG" env-default:"mem.log"`
	PowerSupplyDir string `yaml:"power_supply_dir" env:"POWER_SUPPLY_DIR" env-default:"/sys/class/power_supply"`
}

// ArchiveConfig enables copying closed files to S3-compatible storage.
type ArchiveConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED" env-default:"false"`
	Endpoint          string        `yaml:"endpoint" env:"ENDPOINT" env-default:"localhost:9000"`
	AccessKeyID       string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey   string        `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UseSSL            bool          `yaml:"use_ssl" env:"USE_SSL" env-default:"false"`
	Bucket            string        `yaml:"bucket" env:"BUCKET" env-default:"recordings"`
	Region            string        `yaml:"region" env:"REGION" env-default:"us-east-1"`
	Prefix            string        `yaml:"prefix" env:"PREFIX" env-default:"segments"`
	QueueSize         int           `yaml:"queue_size" env:"QUEUE_SIZE" env-default:"16"`
	MaxRetries        uint64        `yaml:"max_retries" env:"MAX_RETRIES" env-default:"5"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"2m"`
	DeleteAfterUpload bool          `yaml:"delete_after_upload" env:"DELETE_AFTER_UPLOAD" env-default:"false"`
}

// CatalogConfig enables the Postgres segment catalog.
type CatalogConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED" env-default:"false"`
	Host            string        `yaml:"host" env:"HOST" env-default:"localhost"`
	Port            int           `yaml:"port" env:"PORT" env-default:"5432"`
	Database        string        `yaml:"database" env:"DATABASE" env-default:"camrecorder"`
	Username        string        `yaml:"username" env:"USERNAME" env-default:"camrecorder"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE" env-default:"disable"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS" env-default:"4"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" env-default:"2"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" env-default:"30m"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	Path       string `yaml:"path" env:"PATH" env-default:"/metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"FORMAT" env-default:"console"`
	File   string `yaml:"file" env:"FILE"`
}

// Load reads configuration from path (YAML) and the environment. With an
// empty path only the environment and defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from env: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills values that depend on other settings.
func (c *Config) applyDerived() {
	if c.Storage.Primary.Label == "" {
		c.Storage.Primary.Label = "USB20FD1"
	}
	if c.Storage.Primary.Device == "" {
		c.Storage.Primary.Device = "/dev/sdc1"
	}
	if c.Storage.Secondary.Label == "" {
		c.Storage.Secondary.Label = "USB20FD"
	}
	if c.Storage.Secondary.Device == "" {
		c.Storage.Secondary.Device = "/dev/sdb1"
	}
	if c.Storage.Primary.MountPoint == "" {
		c.Storage.Primary.MountPoint = filepath.Join(c.Storage.MediaRoot, c.Storage.Primary.Label)
	}
	if c.Storage.Secondary.MountPoint == "" {
		c.Storage.Secondary.MountPoint = filepath.Join(c.Storage.MediaRoot, c.Storage.Secondary.Label)
	}
	if c.Capture.PrimaryOnly && len(c.Capture.Devices) > 1 {
		c.Capture.Devices = c.Capture.Devices[:1]
	}
}

// CatalogDSN returns the PostgreSQL connection string.
func (c *Config) CatalogDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Catalog.Username,
		c.Catalog.Password,
		c.Catalog.Host,
		c.Catalog.Port,
		c.Catalog.Database,
		c.Catalog.SSLMode,
	)
}
