// Package config loads driftlogctl's operator configuration from a file,
// environment variables, and flags, layered the way viper does it.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/driftlog/driftlog/commitlog"
)

// Config is the subset of commitlog.Options an operator can set from a
// config file or environment, plus the CLI's own knobs.
type Config struct {
	Path                         string
	MappedFileSizeBytes          int64
	MaxMessageSizeBytes          int32
	MaxPropertiesSizeBytes       int32
	DuplicationEnable            bool
	BrokerRole                   string
	AutoMessageVersionOnTopicLen bool
	CheckCRCOnRecover            bool
	LogLevel                     string
}

// Load reads driftlog configuration from, in ascending priority: defaults,
// a config file (if present), and DRIFTLOG_-prefixed environment variables.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("driftlog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("path", "./data/commitlog")
	v.SetDefault("mappedfilesizebytes", int64(1<<30))
	v.SetDefault("maxmessagesizebytes", int32(4<<20))
	v.SetDefault("maxpropertiessizebytes", int32(32768))
	v.SetDefault("brokerrole", "async_master")
	v.SetDefault("loglevel", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s failed", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: unmarshal failed")
	}
	return cfg, nil
}

// ToOptions translates the loaded configuration into commitlog.Options.
func (c Config) ToOptions() (commitlog.Options, error) {
	role, err := parseBrokerRole(c.BrokerRole)
	if err != nil {
		return commitlog.Options{}, err
	}
	return commitlog.Options{
		Path:                         c.Path,
		MappedFileSize:               c.MappedFileSizeBytes,
		MaxMessageSize:               c.MaxMessageSizeBytes,
		MaxPropertiesSize:            c.MaxPropertiesSizeBytes,
		DuplicationEnable:            c.DuplicationEnable,
		BrokerRole:                   role,
		AutoMessageVersionOnTopicLen: c.AutoMessageVersionOnTopicLen,
		CheckCRCOnRecover:            c.CheckCRCOnRecover,
	}, nil
}

func parseBrokerRole(s string) (commitlog.BrokerRole, error) {
	switch strings.ToLower(s) {
	case "", "async_master":
		return commitlog.AsyncMaster, nil
	case "sync_master":
		return commitlog.SyncMaster, nil
	case "slave":
		return commitlog.Slave, nil
	default:
		return 0, errors.Errorf("config: unknown broker role %q", s)
	}
}
