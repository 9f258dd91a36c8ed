// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the viper instance backing a command's configuration.
// Each command creates its own registry so that tests and subcommands stay
// isolated from each other.
type Registry struct {
	// static holds config values that never change after LoadConfig.
	static *viper.Viper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	url := viperutil.Configure(reg, "datasource.url", viperutil.Options[string]{
//	    FlagName: "url",
//	    EnvVars:  []string{"SQLCLIENT_URL"},
//	})
func NewRegistry() *Registry {
	return &Registry{
		static: viper.New(),
	}
}

// SetFs sets the filesystem config files are read from. Tests use an
// afero.MemMapFs.
func (reg *Registry) SetFs(fs afero.Fs) {
	reg.static.SetFs(fs)
}

// Sub returns the raw settings nested under key, or nil if key is not a map.
// It is used to hand whole sections of the config file to decoders.
func (reg *Registry) Sub(key string) map[string]any {
	if !reg.static.IsSet(key) {
		return nil
	}
	return reg.static.GetStringMap(key)
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (reg *Registry) ConfigFileUsed() string {
	return reg.static.ConfigFileUsed()
}

// AllSettings returns every resolved setting, for debug output.
func (reg *Registry) AllSettings() map[string]any {
	return reg.static.AllSettings()
}
