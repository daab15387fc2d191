package main

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/medlearn/simquota/internal/plan"
)

// Config is the optional YAML file passed with --config. Zero values keep
// the built-in defaults.
type Config struct {
	// CountThreshold is how long a session runs before it counts.
	CountThreshold Duration `yaml:"count_threshold"`
	// StaleAfter is the age at which an unfinished session is expired.
	StaleAfter Duration `yaml:"stale_after"`
	// SweepInterval is how often stale sessions are looked for.
	SweepInterval Duration `yaml:"sweep_interval"`
	// Allowances overrides the per-period allowance of a tier. -1 is
	// unlimited.
	Allowances map[plan.Tier]int64 `yaml:"allowances"`
}

// Duration reads Go duration strings such as "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return xerrors.Errorf("line %d: %w", value.Line, err)
	}
	if v < 0 {
		return xerrors.Errorf("line %d: duration %s is negative", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, xerrors.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Plans applies the allowance overrides to the default tier table.
func (c Config) Plans() (plan.Table, error) {
	if len(c.Allowances) == 0 {
		return plan.DefaultTable, nil
	}
	return plan.DefaultTable.With(c.Allowances)
}
