// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlclient

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/sqlconn"
	"github.com/multigres/sqlclient/go/viperutil"
)

// Config is the opaque key-value configuration of a data source, as read
// from JSON, YAML or a viper sub-tree.
//
// Recognized keys:
//
//	url                      database URL (jdbc:postgresql://…, mysql://…, sqlite:…)
//	driver                   database/sql driver name; url is then used as the DSN
//	username, password       credentials
//	maxPoolSize              pool capacity (default 15)
//	initialPoolSize          connections opened when the pool is built
//	acquireTimeoutMillis     how long a queued getConnection waits (default 30000, 0 = no bound)
//	maxIdleTimeMillis        idle connections older than this are closed
//	maxLifetimeMillis        connections older than this are closed
//	acquireRetryAttempts     attempts to open a physical connection (default 1)
//	acquireRetryDelayMillis  delay between those attempts
//	workerPoolSize           physical opens allowed in parallel (default maxPoolSize)
//	dataSourceName           name of the shared data source
//
// The snake_case keys user, driver_class, max_pool_size, initial_pool_size and
// max_idle_time (seconds) are accepted as aliases. Any other key is passed to
// the driver as a DSN parameter.
type Config map[string]any

// Clone returns a shallow copy of c.
func (c Config) Clone() Config {
	return maps.Clone(c)
}

const (
	// DefaultDataSourceName names the shared data source used when none is given.
	DefaultDataSourceName = "DEFAULT_DS"

	defaultMaxPoolSize    = 15
	defaultAcquireTimeout = 30 * time.Second
)

// aliases maps alternative key spellings to the recognized key.
var aliases = map[string]string{
	"user":              "username",
	"driver_class":      "driver",
	"max_pool_size":     "maxPoolSize",
	"initial_pool_size": "initialPoolSize",
	"max_idle_time":     "maxIdleTimeSeconds",
}

// driverClasses maps JDBC driver class names to database/sql driver names.
var driverClasses = map[string]string{
	"org.postgresql.Driver":    sqlconn.DriverPostgres,
	"com.mysql.jdbc.Driver":    sqlconn.DriverMySQL,
	"com.mysql.cj.jdbc.Driver": sqlconn.DriverMySQL,
	"org.mariadb.jdbc.Driver":  sqlconn.DriverMySQL,
	"org.sqlite.JDBC":          sqlconn.DriverSQLite3,
}

// dataSourceSettings is the decoding target for Config.
type dataSourceSettings struct {
	URL                     string `mapstructure:"url"`
	Driver                  string `mapstructure:"driver"`
	Username                string `mapstructure:"username"`
	Password                string `mapstructure:"password"`
	MaxPoolSize             int64  `mapstructure:"maxPoolSize"`
	InitialPoolSize         int64  `mapstructure:"initialPoolSize"`
	AcquireTimeoutMillis    int64  `mapstructure:"acquireTimeoutMillis"`
	MaxIdleTimeMillis       int64  `mapstructure:"maxIdleTimeMillis"`
	MaxIdleTimeSeconds      int64  `mapstructure:"maxIdleTimeSeconds"`
	MaxLifetimeMillis       int64  `mapstructure:"maxLifetimeMillis"`
	AcquireRetryAttempts    int    `mapstructure:"acquireRetryAttempts"`
	AcquireRetryDelayMillis int64  `mapstructure:"acquireRetryDelayMillis"`
	WorkerPoolSize          int64  `mapstructure:"workerPoolSize"`
	DataSourceName          string `mapstructure:"dataSourceName"`
}

// DataSourceConfig is a validated data source configuration.
type DataSourceConfig struct {
	Source sqlconn.Source

	MaxPoolSize      int64
	InitialPoolSize  int64
	AcquireTimeout   time.Duration
	MaxIdleTime      time.Duration
	MaxLifetime      time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	WorkerPoolSize   int64
	DataSourceName   string
	DriverParameters map[string]string
}

// ParseConfig decodes and validates cfg. Errors match mterrors.ErrConfig.
func ParseConfig(cfg Config) (*DataSourceConfig, error) {
	raw := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if canonical, ok := aliases[k]; ok {
			k = canonical
		}
		raw[k] = v
	}

	s := dataSourceSettings{
		MaxPoolSize:          defaultMaxPoolSize,
		AcquireTimeoutMillis: defaultAcquireTimeout.Milliseconds(),
		AcquireRetryAttempts: 1,
	}
	md, err := viperutil.DecodeMap(raw, &s)
	if err != nil {
		return nil, mterrors.MT14001(err.Error())
	}

	params := make(map[string]string, len(md.Unused))
	for _, k := range md.Unused {
		params[k] = fmt.Sprint(raw[k])
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	driver := s.Driver
	if name, ok := driverClasses[driver]; ok {
		driver = name
	} else if strings.Contains(driver, ".") {
		return nil, mterrors.MT14001(fmt.Sprintf("unsupported driver class %q", driver))
	}
	opts := sqlconn.SourceOptions{
		User:     s.Username,
		Password: s.Password,
		Params:   params,
	}
	source, err := sqlconn.ParseURL(s.URL, opts)
	// An explicit driver that disagrees with the URL takes the URL as its DSN.
	if driver != "" && (err != nil || source.Driver != driver) {
		opts.Driver = driver
		source, err = sqlconn.ParseURL(s.URL, opts)
	}
	if err != nil {
		return nil, mterrors.MT14001(err.Error())
	}

	idle := time.Duration(s.MaxIdleTimeMillis) * time.Millisecond
	if s.MaxIdleTimeSeconds > 0 {
		idle = time.Duration(s.MaxIdleTimeSeconds) * time.Second
	}

	return &DataSourceConfig{
		Source:           source,
		MaxPoolSize:      s.MaxPoolSize,
		InitialPoolSize:  s.InitialPoolSize,
		AcquireTimeout:   time.Duration(s.AcquireTimeoutMillis) * time.Millisecond,
		MaxIdleTime:      idle,
		MaxLifetime:      time.Duration(s.MaxLifetimeMillis) * time.Millisecond,
		RetryAttempts:    s.AcquireRetryAttempts,
		RetryDelay:       time.Duration(s.AcquireRetryDelayMillis) * time.Millisecond,
		WorkerPoolSize:   s.WorkerPoolSize,
		DataSourceName:   s.DataSourceName,
		DriverParameters: params,
	}, nil
}

func (s *dataSourceSettings) validate() error {
	switch {
	case s.URL == "":
		return mterrors.MT14001("url is required")
	case s.MaxPoolSize <= 0:
		return mterrors.MT14001(fmt.Sprintf("maxPoolSize must be positive, got %d", s.MaxPoolSize))
	case s.InitialPoolSize < 0 || s.InitialPoolSize > s.MaxPoolSize:
		return mterrors.MT14001(fmt.Sprintf("initialPoolSize must be between 0 and maxPoolSize (%d), got %d", s.MaxPoolSize, s.InitialPoolSize))
	case s.AcquireTimeoutMillis < 0:
		return mterrors.MT14001(fmt.Sprintf("acquireTimeoutMillis must not be negative, got %d", s.AcquireTimeoutMillis))
	case s.MaxIdleTimeMillis < 0 || s.MaxIdleTimeSeconds < 0 || s.MaxLifetimeMillis < 0:
		return mterrors.MT14001("idle time and lifetime must not be negative")
	case s.AcquireRetryAttempts < 1:
		return mterrors.MT14001(fmt.Sprintf("acquireRetryAttempts must be at least 1, got %d", s.AcquireRetryAttempts))
	case s.AcquireRetryDelayMillis < 0:
		return mterrors.MT14001(fmt.Sprintf("acquireRetryDelayMillis must not be negative, got %d", s.AcquireRetryDelayMillis))
	case s.WorkerPoolSize < 0:
		return mterrors.MT14001(fmt.Sprintf("workerPoolSize must not be negative, got %d", s.WorkerPoolSize))
	}
	return nil
}
