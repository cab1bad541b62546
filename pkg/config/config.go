/*
 * Copyright 2025 Termdock Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads and validates daemon configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/termdock/termdock/pkg/logger"
)

var errInvalidConfigPtr = errors.New("config must be a non-nil pointer")

// ConfigLoader loads configuration from a source into dst.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by config structs that can reject bad values.
type Validator interface {
	Validate() error
}

// Normalizer is implemented by config structs that fill defaults.
type Normalizer interface {
	Normalize()
}

// Config holds the configuration loading dependencies.
type Config struct {
	loader ConfigLoader
	logger logger.Logger
}

// NewConfig initializes a Config with the default file loader.
func NewConfig(log logger.Logger) *Config {
	return &Config{
		loader: &FileConfigLoader{logger: log},
		logger: log,
	}
}

// LoadAndValidate reads the file at path into dst, fills defaults and
// validates the result.
func (c *Config) LoadAndValidate(ctx context.Context, path string, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errInvalidConfigPtr
	}

	if err := c.loader.Load(ctx, path, dst); err != nil {
		return err
	}

	if n, ok := dst.(Normalizer); ok {
		n.Normalize()
	}

	if validator, ok := dst.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("invalid configuration in %s: %w", path, err)
		}
	}

	return nil
}
