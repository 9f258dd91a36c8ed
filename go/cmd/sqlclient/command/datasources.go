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

package command

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/multigres/sqlclient/go/sqlclient"
)

// dataSources collects the named data source configurations. Later sources
// override earlier ones: the config file's datasources section, then
// --datasources-file, then --url (named DEFAULT_DS).
func (sc *SQLClientCommand) dataSources() (map[string]sqlclient.Config, error) {
	sources := make(map[string]sqlclient.Config)

	for name, raw := range sc.reg.Sub("datasources") {
		cfg, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("datasources.%s in %s is not a map", name, sc.reg.ConfigFileUsed())
		}
		sources[name] = sqlclient.Config(cfg)
	}

	if path := sc.datasourcesFile.Get(); path != "" {
		fromFile, err := readDataSourcesFile(sc.fs, path)
		if err != nil {
			return nil, err
		}
		for name, cfg := range fromFile {
			sources[name] = cfg
		}
	}

	if url := sc.url.Get(); url != "" {
		cfg := sqlclient.Config{
			"url":                  url,
			"maxPoolSize":          sc.maxPoolSize.Get(),
			"acquireTimeoutMillis": sc.acquireTimeout.Get().Milliseconds(),
		}
		if user := sc.username.Get(); user != "" {
			cfg["username"] = user
		}
		if pw := sc.password.Get(); pw != "" {
			cfg["password"] = pw
		}
		sources[sqlclient.DefaultDataSourceName] = cfg
	}
	return sources, nil
}

// readDataSourcesFile reads a YAML map of data source name to configuration.
func readDataSourcesFile(fs afero.Fs, path string) (map[string]sqlclient.Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading data sources file: %w", err)
	}
	var sources map[string]sqlclient.Config
	if err := yaml.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parsing data sources file %s: %w", path, err)
	}
	return sources, nil
}
