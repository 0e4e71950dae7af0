/*
   Copyright The Android Open Source Project

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

// config represents gsid configuration loaded from file.
// Size units can be specified in human-readable string format (like "32KIB", "32GB", "32Tb")
type config struct {
	// Directory for the image metadata store and status records
	MetadataDir string `toml:"metadata_dir"`

	// Directory for the backing image files
	DataDir string `toml:"data_dir"`

	// Split images across several backing files of at most this size.
	// Zero means a single file per image.
	MaxFileSize      string `toml:"max_file_size"`
	MaxFileSizeBytes uint64 `toml:"-"`
}

// loadConfig reads a gsid configuration file from disk in TOML format
func loadConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := config{}
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gsid TOML: %w", err)
	}

	if err := cfg.parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *config) parse() error {
	if c.MaxFileSize == "" {
		return nil
	}
	maxFileSize, err := units.RAMInBytes(c.MaxFileSize)
	if err != nil {
		return fmt.Errorf("failed to parse max file size: '%s': %w", c.MaxFileSize, err)
	}
	c.MaxFileSizeBytes = uint64(maxFileSize)
	return nil
}

// validate makes sure configuration fields are valid
func (c *config) validate() error {
	var result []error

	if c.MetadataDir == "" {
		result = append(result, fmt.Errorf("metadata_dir is required"))
	}

	if c.DataDir == "" {
		result = append(result, fmt.Errorf("data_dir is required"))
	}

	return errors.Join(result...)
}
