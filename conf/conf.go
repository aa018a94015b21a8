/*
 * Copyright 2021 Dgraph Labs, Inc. and Contributors
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

// Package conf serializes the restart-safe slice of a cache configuration:
// the capacity, expiry durations and flags. Cache contents are volatile by
// design, so a snapshot is everything an application needs to persist to
// rebuild an equivalent cache.
package conf

import (
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	caffeine "github.com/jmnarloch/caffeine"
)

// Format selects the snapshot encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

var errUnknownFormat = errors.New("conf: unknown format")

// Snapshot is the serializable subset of caffeine.Config.
type Snapshot struct {
	MaximumWeight     int64         `koanf:"maximumWeight" json:"maximumWeight" yaml:"maximumWeight"`
	InitialCapacity   int           `koanf:"initialCapacity" json:"initialCapacity" yaml:"initialCapacity"`
	BufferItems       int64         `koanf:"bufferItems" json:"bufferItems" yaml:"bufferItems"`
	ExpireAfterWrite  time.Duration `koanf:"expireAfterWrite" json:"expireAfterWrite" yaml:"expireAfterWrite"`
	ExpireAfterAccess time.Duration `koanf:"expireAfterAccess" json:"expireAfterAccess" yaml:"expireAfterAccess"`
	Metrics           bool          `koanf:"metrics" json:"metrics" yaml:"metrics"`
}

// FromConfig captures the persistable fields of the config.
func FromConfig(config *caffeine.Config) Snapshot {
	return Snapshot{
		MaximumWeight:     config.MaximumWeight,
		InitialCapacity:   config.InitialCapacity,
		BufferItems:       config.BufferItems,
		ExpireAfterWrite:  config.ExpireAfterWrite,
		ExpireAfterAccess: config.ExpireAfterAccess,
		Metrics:           config.Metrics,
	}
}

// Config expands the snapshot back into a cache config. The functional
// collaborators (weigher, loaders, listeners) are not persistable and must
// be reattached by the caller.
func (s Snapshot) Config() *caffeine.Config {
	return &caffeine.Config{
		MaximumWeight:     s.MaximumWeight,
		InitialCapacity:   s.InitialCapacity,
		BufferItems:       s.BufferItems,
		ExpireAfterWrite:  s.ExpireAfterWrite,
		ExpireAfterAccess: s.ExpireAfterAccess,
		Metrics:           s.Metrics,
	}
}

// Parse decodes a snapshot from raw bytes in the given format.
func Parse(data []byte, format Format) (Snapshot, error) {
	k := koanf.New(".")
	parser, err := parserFor(format)
	if err != nil {
		return Snapshot{}, err
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return Snapshot{}, errors.Wrap(err, "conf: load snapshot")
	}
	var s Snapshot
	if err := k.Unmarshal("", &s); err != nil {
		return Snapshot{}, errors.Wrap(err, "conf: unmarshal snapshot")
	}
	if s.MaximumWeight < 0 || s.InitialCapacity < 0 ||
		s.ExpireAfterWrite < 0 || s.ExpireAfterAccess < 0 {
		return Snapshot{}, errors.New("conf: negative values in snapshot")
	}
	return s, nil
}

// Marshal encodes the snapshot in the given format.
func (s Snapshot) Marshal(format Format) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(snapshotProvider{s}, nil); err != nil {
		return nil, errors.Wrap(err, "conf: marshal snapshot")
	}
	parser, err := parserFor(format)
	if err != nil {
		return nil, err
	}
	out, err := k.Marshal(parser)
	if err != nil {
		return nil, errors.Wrap(err, "conf: marshal snapshot")
	}
	return out, nil
}

func parserFor(format Format) (koanf.Parser, error) {
	switch format {
	case JSON:
		return kjson.Parser(), nil
	case YAML:
		return kyaml.Parser(), nil
	default:
		return nil, errors.Wrapf(errUnknownFormat, "%q", format)
	}
}

// snapshotProvider feeds the snapshot's fields into koanf as a confmap.
type snapshotProvider struct {
	s Snapshot
}

func (p snapshotProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("conf: snapshotProvider does not support ReadBytes")
}

func (p snapshotProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"maximumWeight":     p.s.MaximumWeight,
		"initialCapacity":   p.s.InitialCapacity,
		"bufferItems":       p.s.BufferItems,
		"expireAfterWrite":  p.s.ExpireAfterWrite,
		"expireAfterAccess": p.s.ExpireAfterAccess,
		"metrics":           p.s.Metrics,
	}, nil
}
