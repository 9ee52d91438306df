// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads and validates runtime configuration for the
// engine and the durability pipeline.
//
// Configuration is TOML. Every field has a working default, so an
// empty file (or no file at all) yields a valid volatile-mode setup
// with one worker and no log files. A durable-mode file lists at least
// one log file:
//
//	nworkers = 4
//	logfiles = ["/silo_log/log0/"]
//	call_fsync = true
//	max_lag_epochs = 100
//	perthread_buffers = 4
//	root_folder = "/silo_log"
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/kianostad/stm/internal/persist"
)

// Config mirrors the runtime option table. Durable mode is enabled by
// listing at least one log file.
type Config struct {
	NWorkers         int      `toml:"nworkers"`
	LogFiles         []string `toml:"logfiles"`
	Assignments      [][]int  `toml:"assignments"`
	CallFsync        bool     `toml:"call_fsync"`
	UseCompression   bool     `toml:"use_compression"`
	FakeWrites       bool     `toml:"fake_writes"`
	MaxLagEpochs     uint64   `toml:"max_lag_epochs"`
	PerThreadBuffers int      `toml:"perthread_buffers"`
	RootFolder       string   `toml:"root_folder"`
}

// Default returns a volatile-mode configuration.
func Default() Config {
	return Config{
		NWorkers:         1,
		CallFsync:        true,
		MaxLagEpochs:     persist.DefaultMaxLagEpochs,
		PerThreadBuffers: persist.DefaultPerThreadBuffers,
		RootFolder:       persist.DefaultRoot,
	}
}

// Load reads a TOML file over the defaults. A missing file returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, errors.Wrapf(err, "config: decode %s", path)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate enforces the option constraints.
func (c Config) Validate() error {
	if c.NWorkers < 1 {
		return errors.Errorf("config: nworkers must be >= 1, got %d", c.NWorkers)
	}
	if len(c.LogFiles) > 32 {
		return errors.Errorf("config: at most 32 logfiles, got %d", len(c.LogFiles))
	}
	if c.UseCompression && c.PerThreadBuffers < 2 {
		return errors.New("config: use_compression requires perthread_buffers >= 2")
	}
	if c.Assignments != nil {
		if len(c.Assignments) != len(c.LogFiles) {
			return errors.Errorf("config: %d assignments for %d logfiles", len(c.Assignments), len(c.LogFiles))
		}
		seen := make(map[int]bool, c.NWorkers)
		for _, block := range c.Assignments {
			for _, w := range block {
				if w < 0 || w >= c.NWorkers {
					return errors.Errorf("config: assignment names worker %d outside [0, %d)", w, c.NWorkers)
				}
				if seen[w] {
					return errors.Errorf("config: worker %d assigned twice", w)
				}
				seen[w] = true
			}
		}
		if len(seen) != c.NWorkers {
			return errors.Errorf("config: assignments cover %d of %d workers", len(seen), c.NWorkers)
		}
	}
	return nil
}

// Durable reports whether a commit log should be opened.
func (c Config) Durable() bool { return len(c.LogFiles) > 0 }

// PersistOptions maps the configuration onto the pipeline options.
func (c Config) PersistOptions() persist.Options {
	return persist.Options{
		Root:             c.RootFolder,
		LogFiles:         c.LogFiles,
		Workers:          c.NWorkers,
		Assignments:      c.Assignments,
		CallFsync:        c.CallFsync,
		FakeWrites:       c.FakeWrites,
		MaxLagEpochs:     c.MaxLagEpochs,
		PerThreadBuffers: c.PerThreadBuffers,
	}
}
