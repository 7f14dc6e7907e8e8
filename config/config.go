package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	OpenFGA       OpenFGAConfig         `koanf:"openfga"`
	Minio         MinioConfig           `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Milvus        MilvusConfig          `koanf:"milvus"`
	Drive         DriveConfig           `koanf:"drive"`
	OAuth         OAuthConfig           `koanf:"oauth"`
	Crypto        CryptoConfig          `koanf:"crypto"`
	Ingest        IngestConfig          `koanf:"ingest"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort int `koanf:"publicport"`
	HTTPS      struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Edition     string `koanf:"edition"`
	Debug       bool   `koanf:"debug"`
	MaxDataSize int    `koanf:"maxdatasize"`
	// PublicURL is used by the admin CLI when no --host flag is given.
	PublicURL string    `koanf:"publicurl" validate:"omitempty,url"`
	Scheduler Scheduler `koanf:"scheduler"`
}

// Scheduler controls the background sync loop.
type Scheduler struct {
	Enabled bool `koanf:"enabled"`
	// WakeInterval is how often the loop looks for due knowledge bases.
	WakeInterval time.Duration `koanf:"wakeinterval"`
	// DefaultSyncInterval is assigned to knowledge bases when their first
	// source is attached.
	DefaultSyncInterval time.Duration `koanf:"defaultsyncinterval"`
	// StaleAfter is how long a "syncing" status can go without a heartbeat
	// before it's considered abandoned by a crashed process.
	StaleAfter time.Duration `koanf:"staleafter"`
	// HeartbeatInterval is how often a running pass renews its heartbeat.
	HeartbeatInterval time.Duration `koanf:"heartbeatinterval"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis. When Redis.Enabled is false the access token
// cache stays in process memory.
type CacheConfig struct {
	Redis struct {
		Enabled      bool          `koanf:"enabled"`
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// OpenFGAConfig is the openfga configuration.
type OpenFGAConfig struct {
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Replica struct {
		Host                 string `koanf:"host"`
		Port                 int    `koanf:"port"`
		ReplicationTimeFrame int    `koanf:"replicationtimeframe"` // in seconds
	} `koanf:"replica"`
	Cache struct {
		Enabled bool `koanf:"enabled"`
		TTL     int  `koanf:"ttl"` // in seconds
	} `koanf:"cache"`
}

// MinioConfig is the MinIO configuration used for the synced content bucket.
type MinioConfig struct {
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	BucketName string `koanf:"bucketname"`
	Secure     bool   `koanf:"secure"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an
// alternative backend for synced content. It takes precedence over MinIO when
// Bucket is set.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// DriveConfig configures the remote drive HTTP client.
type DriveConfig struct {
	BaseURL        string        `koanf:"baseurl" validate:"omitempty,url"`
	RetryCount     int           `koanf:"retrycount"`
	RetryWait      time.Duration `koanf:"retrywait"`
	RetryMaxWait   time.Duration `koanf:"retrymaxwait"`
	RequestTimeout time.Duration `koanf:"requesttimeout"`
	// MaxFileSize is the largest file (in bytes) that is downloaded and
	// ingested. Larger files are reported as failures.
	MaxFileSize int64 `koanf:"maxfilesize"`
}

// OAuthConfig holds the application registration used for refresh-grant
// exchanges.
type OAuthConfig struct {
	ClientID     string   `koanf:"clientid"`
	ClientSecret string   `koanf:"clientsecret"`
	Scopes       []string `koanf:"scopes"`
	// AuthorityHost defaults to https://login.microsoftonline.com.
	AuthorityHost string `koanf:"authorityhost" validate:"omitempty,url"`
	// ExpiryBuffer is the remaining lifetime under which a cached access
	// token is refreshed.
	ExpiryBuffer time.Duration `koanf:"expirybuffer"`
}

// CryptoConfig holds the key material that seals refresh credentials.
type CryptoConfig struct {
	// AgeIdentity is an AGE-SECRET-KEY-1... X25519 identity.
	AgeIdentity string `koanf:"ageidentity"`
}

// IngestConfig points to the external workflow that indexes synced content.
type IngestConfig struct {
	ProcessWorkflowName string `koanf:"processworkflowname"`
	TaskQueue           string `koanf:"taskqueue"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"server.maxdatasize":                   32,
		"server.scheduler.enabled":             true,
		"server.scheduler.wakeinterval":        "60s",
		"server.scheduler.defaultsyncinterval": "1h",
		"server.scheduler.staleafter":          "15m",
		"server.scheduler.heartbeatinterval":   "1m",
		"drive.baseurl":                        "https://graph.microsoft.com/v1.0",
		"drive.retrycount":                     5,
		"drive.retrywait":                      "1s",
		"drive.retrymaxwait":                   "60s",
		"drive.requesttimeout":                 "60s",
		"drive.maxfilesize":                    100 << 20,
		"oauth.authorityhost":                  "https://login.microsoftonline.com",
		"oauth.expirybuffer":                   "5m",
		"ingest.processworkflowname":           "ProcessFileWorkflow",
		"ingest.taskqueue":                     "artifact-backend",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	// The default decoder converts "60s"-style strings into time.Duration.
	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if s := cfg.Server.Scheduler; s.HeartbeatInterval > 0 && s.StaleAfter > 0 && s.HeartbeatInterval >= s.StaleAfter {
		return fmt.Errorf("scheduler heartbeat interval %s must be shorter than the stale threshold %s", s.HeartbeatInterval, s.StaleAfter)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
