package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "FLASHNOTE"
	defaultHTTPAddress            = "127.0.0.1:7465"
	defaultDatabasePath           = "flashnote.db"
	defaultDataDir                = ".flashnote-sync"
	defaultLogLevel               = "info"
	defaultSyncInterval           = 5 * time.Minute
	defaultSnapshotModThreshold   = 100
	defaultSnapshotInterval       = 24 * time.Hour
	defaultLocalBackupsPerNote    = 10
	defaultRestoreBatchSize       = 5
	defaultRestoreInterBatchDelay = 500 * time.Millisecond
	defaultTokenTTLMinutes        = 720
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress            string
	SigningSecret          string
	APISecret              string
	DatabasePath           string
	DataDir                string
	RemoteRoot             string
	LogLevel               string
	LogFile                string
	SyncInterval           time.Duration
	SnapshotModThreshold   int
	SnapshotInterval       time.Duration
	LocalBackupsPerNote    int
	RestoreBatchSize       int
	RestoreInterBatchDelay time.Duration
	TokenTTL               time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("snapshot.modification_threshold", defaultSnapshotModThreshold)
	configViper.SetDefault("snapshot.interval", defaultSnapshotInterval)
	configViper.SetDefault("backup.per_note", defaultLocalBackupsPerNote)
	configViper.SetDefault("restore.batch_size", defaultRestoreBatchSize)
	configViper.SetDefault("restore.inter_batch_delay", defaultRestoreInterBatchDelay)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		APISecret:              configViper.GetString("auth.api_secret"),
		DatabasePath:           configViper.GetString("database.path"),
		DataDir:                configViper.GetString("data.dir"),
		RemoteRoot:             configViper.GetString("remote.root"),
		LogLevel:               configViper.GetString("log.level"),
		LogFile:                configViper.GetString("log.file"),
		SyncInterval:           configViper.GetDuration("sync.interval"),
		SnapshotModThreshold:   configViper.GetInt("snapshot.modification_threshold"),
		SnapshotInterval:       configViper.GetDuration("snapshot.interval"),
		LocalBackupsPerNote:    configViper.GetInt("backup.per_note"),
		RestoreBatchSize:       configViper.GetInt("restore.batch_size"),
		RestoreInterBatchDelay: configViper.GetDuration("restore.inter_batch_delay"),
		TokenTTL:               time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.APISecret) == "" {
		return fmt.Errorf("auth.api_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteRoot) == "" {
		return fmt.Errorf("remote.root is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}
