// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchbase/kvcore/base"
)

// Config carries every knob the core reacts to. Fractional marks are
// expressed against the bucket quota (max_size).
type Config struct {
	MaxSize     int64 `yaml:"max_size"`
	MaxVbuckets int   `yaml:"max_vbuckets"`

	MemLowWat  float64 `yaml:"mem_low_wat"`
	MemHighWat float64 `yaml:"mem_high_wat"`

	CursorDroppingUpperMark       float64 `yaml:"cursor_dropping_upper_mark"`
	CursorDroppingLowerMark       float64 `yaml:"cursor_dropping_lower_mark"`
	CursorDroppingChkMemUpperMark float64 `yaml:"cursor_dropping_checkpoint_mem_upper_mark"`
	CursorDroppingChkMemLowerMark float64 `yaml:"cursor_dropping_checkpoint_mem_lower_mark"`

	ChkMaxItems    int   `yaml:"chk_max_items"`
	ChkMaxBytes    int64 `yaml:"chk_max_bytes"`
	ChkPeriodSecs  int   `yaml:"chk_period_secs"`
	ChkExpelEnabled bool `yaml:"chk_expel_enabled"`
	MaxCheckpoints int   `yaml:"max_checkpoints"`

	ItemFreqDecayerPercent             int     `yaml:"item_freq_decayer_percent"`
	ItemEvictionAgePercentage          int     `yaml:"item_eviction_age_percentage"`
	ItemEvictionFreqCounterAgeThreshold uint8  `yaml:"item_eviction_freq_counter_age_threshold"`
	PagerActiveVbBias                  float64 `yaml:"pager_active_vb_pcnt_bias"`

	Ephemeral bool `yaml:"ephemeral"`

	StreamBufferBytes int64 `yaml:"stream_buffer_bytes"`

	// consumed by the SASL layer when hashing sync-write cookies; carried
	// here because it arrives in the same configuration document
	HmacIterationCount int `yaml:"hmac_iteration_count"`
}

func Default() *Config {
	return &Config{
		MaxSize:                       base.DefaultMaxSize,
		MaxVbuckets:                   base.NumberOfVbuckets,
		MemLowWat:                     base.DefaultMemLowWat,
		MemHighWat:                    base.DefaultMemHighWat,
		CursorDroppingUpperMark:       base.DefaultCursorDroppingUpperMark,
		CursorDroppingLowerMark:       base.DefaultCursorDroppingLowerMark,
		CursorDroppingChkMemUpperMark: base.DefaultCursorDroppingChkMemUpperMark,
		CursorDroppingChkMemLowerMark: base.DefaultCursorDroppingChkMemLowerMark,
		ChkMaxItems:                   base.DefaultChkMaxItems,
		ChkMaxBytes:                   base.DefaultChkMaxBytes,
		ChkPeriodSecs:                 int(base.DefaultChkPeriod.Seconds()),
		ChkExpelEnabled:               true,
		MaxCheckpoints:                base.DefaultMaxCheckpoints,
		ItemFreqDecayerPercent:        base.DefaultItemFreqDecayerPercent,
		ItemEvictionAgePercentage:     base.DefaultItemEvictionAgePercentage,
		ItemEvictionFreqCounterAgeThreshold: base.DefaultItemEvictionFreqCounterAgeThreshold,
		PagerActiveVbBias:             base.DefaultActiveBias,
		StreamBufferBytes:             base.DefaultStreamBufferBytes,
		HmacIterationCount:            base.DefaultHmacIterationCount,
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %v", c.MaxSize)
	}
	if c.MaxVbuckets <= 0 || c.MaxVbuckets > base.NumberOfVbuckets {
		return fmt.Errorf("max_vbuckets must be in (0, %v], got %v", base.NumberOfVbuckets, c.MaxVbuckets)
	}
	if c.MemLowWat >= c.MemHighWat {
		return fmt.Errorf("mem_low_wat %v must be below mem_high_wat %v", c.MemLowWat, c.MemHighWat)
	}
	if c.CursorDroppingLowerMark >= c.CursorDroppingUpperMark {
		return fmt.Errorf("cursor_dropping_lower_mark %v must be below cursor_dropping_upper_mark %v",
			c.CursorDroppingLowerMark, c.CursorDroppingUpperMark)
	}
	if c.CursorDroppingChkMemLowerMark >= c.CursorDroppingChkMemUpperMark {
		return fmt.Errorf("cursor_dropping_checkpoint_mem_lower_mark %v must be below upper mark %v",
			c.CursorDroppingChkMemLowerMark, c.CursorDroppingChkMemUpperMark)
	}
	if c.ChkMaxItems <= 0 {
		return fmt.Errorf("chk_max_items must be positive, got %v", c.ChkMaxItems)
	}
	if c.ItemFreqDecayerPercent < 0 || c.ItemFreqDecayerPercent > 100 {
		return fmt.Errorf("item_freq_decayer_percent must be in [0, 100], got %v", c.ItemFreqDecayerPercent)
	}
	if c.ItemEvictionAgePercentage < 0 || c.ItemEvictionAgePercentage > 100 {
		return fmt.Errorf("item_eviction_age_percentage must be in [0, 100], got %v", c.ItemEvictionAgePercentage)
	}
	return nil
}
