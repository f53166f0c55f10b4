// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"encoding/json"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Storage backends.
const (
	StorageFilesystem = "filesystem"
	StorageLevelDB    = "leveldb"
	StorageSQLite     = "sqlite"
	StorageMySQL      = "mysql"
	StorageEtcd       = "etcd"
	StorageMemory     = "memory"
)

// Manager backends.
const (
	ManagerLocal   = "local"
	ManagerPool    = "pool"
	ManagerCluster = "cluster"
)

const (
	defaultNamespace            = "default"
	defaultStoragePath          = "out-compmake"
	defaultDialTimeout          = "5s"
	defaultJobCacheSize         = 4096
	defaultPollInterval         = "20ms"
	defaultGetTimeout           = "1s"
	defaultMaxMemLoad           = 90.0
	defaultMaxCPULoad           = 100.0
	defaultMinFreeMemory        = "0"
	defaultMaxInterruptions     = 3
	defaultRetryInitialInterval = "100ms"
	defaultRetryMaxInterval     = "5s"

	// JobPlaceholder is replaced by the job id in the worker command.
	JobPlaceholder = "{job}"
)

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+=@-]*$`)

// Config is the configuration of a compmake session.
type Config struct {
	Namespace string         `toml:"namespace" json:"namespace"`
	LogConf   logutil.Config `toml:"log" json:"log"`
	Storage   *StorageConfig `toml:"storage" json:"storage"`
	Manager   *ManagerConfig `toml:"manager" json:"manager"`
}

// StorageConfig selects and parameterizes the key-value store.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Path is a directory for filesystem and leveldb, a file or DSN for sqlite
	// and a DSN for mysql.
	Path      string   `toml:"path" json:"path"`
	Endpoints []string `toml:"endpoints" json:"endpoints"`

	DialTimeoutStr string        `toml:"dial-timeout" json:"dial-timeout"`
	DialTimeout    time.Duration `toml:"-" json:"-"`

	// JobCacheSize is the number of job definitions kept in memory.
	JobCacheSize int `toml:"job-cache-size" json:"job-cache-size"`
}

// HostConfig describes one execution host of the cluster backend.
type HostConfig struct {
	Name  string `toml:"name" json:"name"`
	Slots int    `toml:"slots" json:"slots"`
}

// Validate implements validation.Validatable.
func (h HostConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Name, validation.Required),
		validation.Field(&h.Slots, validation.Min(1)),
	)
}

// ManagerConfig parameterizes the scheduler.
type ManagerConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Parallelism is the number of pool slots, 0 for one per CPU.
	Parallelism int `toml:"parallelism" json:"parallelism"`
	// Recurse folds jobs defined by dynamic jobs into the running make.
	Recurse bool `toml:"recurse" json:"recurse"`

	PollIntervalStr string        `toml:"poll-interval" json:"poll-interval"`
	PollInterval    time.Duration `toml:"-" json:"-"`
	GetTimeoutStr   string        `toml:"get-timeout" json:"get-timeout"`
	GetTimeout      time.Duration `toml:"-" json:"-"`

	// MaxMemLoad is the used memory percentage above which no job is started.
	MaxMemLoad float64 `toml:"max-mem-load" json:"max-mem-load"`
	// MaxCPULoad is the 1-minute load average, as a percentage of the number
	// of cores, above which no job is started.
	MaxCPULoad       float64 `toml:"max-cpu-load" json:"max-cpu-load"`
	MinFreeMemoryStr string  `toml:"min-free-memory" json:"min-free-memory"`
	MinFreeMemory    uint64  `toml:"-" json:"-"`

	MaxInterruptions        int           `toml:"max-interruptions" json:"max-interruptions"`
	RetryInitialIntervalStr string        `toml:"retry-initial-interval" json:"retry-initial-interval"`
	RetryInitialInterval    time.Duration `toml:"-" json:"-"`
	RetryMaxIntervalStr     string        `toml:"retry-max-interval" json:"retry-max-interval"`
	RetryMaxInterval        time.Duration `toml:"-" json:"-"`

	// WorkerCommand is the argv used by process hosts. Empty means the
	// current executable with "worker --job {job}".
	WorkerCommand []string     `toml:"worker-command" json:"worker-command"`
	Hosts         []HostConfig `toml:"hosts" json:"hosts"`
}

// GetDefaultConfig returns a config with all defaults filled.
func GetDefaultConfig() *Config {
	return &Config{
		Namespace: defaultNamespace,
		LogConf:   *logutil.DefaultConfig(),
		Storage: &StorageConfig{
			Backend:        StorageFilesystem,
			Path:           defaultStoragePath,
			DialTimeoutStr: defaultDialTimeout,
			JobCacheSize:   defaultJobCacheSize,
		},
		Manager: &ManagerConfig{
			Backend:                 ManagerLocal,
			PollIntervalStr:         defaultPollInterval,
			GetTimeoutStr:           defaultGetTimeout,
			MaxMemLoad:              defaultMaxMemLoad,
			MaxCPULoad:              defaultMaxCPULoad,
			MinFreeMemoryStr:        defaultMinFreeMemory,
			MaxInterruptions:        defaultMaxInterruptions,
			RetryInitialIntervalStr: defaultRetryInitialInterval,
			RetryMaxIntervalStr:     defaultRetryMaxInterval,
		},
	}
}

// ConfigFromFile loads a toml file over the defaults, adjusts and validates.
func ConfigFromFile(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	metaData, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.WrapError(errors.ErrConfigDecode, err)
	}
	if err := checkUndecodedItems(metaData); err != nil {
		return nil, err
	}
	if err := cfg.AdjustAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFromString is like ConfigFromFile for an in-memory document.
func ConfigFromString(data string) (*Config, error) {
	cfg := GetDefaultConfig()
	metaData, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, errors.WrapError(errors.ErrConfigDecode, err)
	}
	if err := checkUndecodedItems(metaData); err != nil {
		return nil, err
	}
	if err := cfg.AdjustAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AdjustAndValidate parses the string fields and validates the result.
func (c *Config) AdjustAndValidate() error {
	if err := c.Adjust(); err != nil {
		return err
	}
	return c.Validate()
}

// Adjust parses duration and size strings into their typed fields.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.Storage.JobCacheSize <= 0 {
		c.Storage.JobCacheSize = defaultJobCacheSize
	}
	if c.Storage.DialTimeout, err = parseDuration("storage.dial-timeout", c.Storage.DialTimeoutStr); err != nil {
		return err
	}
	m := c.Manager
	if m.PollInterval, err = parseDuration("manager.poll-interval", m.PollIntervalStr); err != nil {
		return err
	}
	if m.GetTimeout, err = parseDuration("manager.get-timeout", m.GetTimeoutStr); err != nil {
		return err
	}
	if m.RetryInitialInterval, err = parseDuration("manager.retry-initial-interval", m.RetryInitialIntervalStr); err != nil {
		return err
	}
	if m.RetryMaxInterval, err = parseDuration("manager.retry-max-interval", m.RetryMaxIntervalStr); err != nil {
		return err
	}
	if m.MinFreeMemoryStr == "" {
		m.MinFreeMemoryStr = defaultMinFreeMemory
	}
	free, err := units.RAMInBytes(m.MinFreeMemoryStr)
	if err != nil || free < 0 {
		return errors.ErrConfigInvalid.GenWithStackByArgs("manager.min-free-memory: " + m.MinFreeMemoryStr)
	}
	m.MinFreeMemory = uint64(free)
	return nil
}

func parseDuration(item, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WrapError(errors.ErrConfigInvalid, err, item+": "+s)
	}
	return d, nil
}

// Validate checks the adjusted config.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Namespace, validation.Required, validation.Match(namespaceRe)),
		validation.Field(&c.Storage, validation.Required),
		validation.Field(&c.Manager, validation.Required),
	)
	if err != nil {
		return errors.ErrConfigInvalid.GenWithStackByArgs(err.Error())
	}
	return nil
}

// Validate implements validation.Validatable.
func (s *StorageConfig) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Backend, validation.Required,
			validation.In(StorageFilesystem, StorageLevelDB, StorageSQLite, StorageMySQL, StorageEtcd, StorageMemory)),
		validation.Field(&s.Path, validation.When(s.Backend != StorageMemory && s.Backend != StorageEtcd, validation.Required)),
		validation.Field(&s.Endpoints, validation.When(s.Backend == StorageEtcd, validation.Required)),
	)
}

// Validate implements validation.Validatable.
func (m *ManagerConfig) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Backend, validation.Required,
			validation.In(ManagerLocal, ManagerPool, ManagerCluster)),
		validation.Field(&m.Parallelism, validation.Min(0)),
		validation.Field(&m.MaxMemLoad, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&m.MaxCPULoad, validation.Min(0.0)),
		validation.Field(&m.MaxInterruptions, validation.Min(0)),
		validation.Field(&m.Hosts, validation.When(m.Backend == ManagerCluster, validation.Required)),
	)
}

// Slots returns the effective number of pool slots.
func (m *ManagerConfig) Slots() int {
	if m.Parallelism > 0 {
		return m.Parallelism
	}
	return runtime.NumCPU()
}

// String implements fmt.Stringer
func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer

	err := toml.NewEncoder(&b).Encode(c)
	if err != nil {
		log.L().Error("fail to marshal config to toml", logutil.ShortError(err))
	}

	return b.String(), nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	storage := *c.Storage
	storage.Endpoints = append([]string(nil), c.Storage.Endpoints...)
	manager := *c.Manager
	manager.WorkerCommand = append([]string(nil), c.Manager.WorkerCommand...)
	manager.Hosts = append([]HostConfig(nil), c.Manager.Hosts...)
	clone.Storage = &storage
	clone.Manager = &manager
	return &clone
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
