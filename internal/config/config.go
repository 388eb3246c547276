// Package config loads the on-disk task configuration into the
// replication core's data model. Grounded on the teacher's own
// config.go (YAML unmarshal, `validate:"required"` struct tags,
// `NewGlobal()`-style defaulting) narrowed to the fields spec.md's
// ReplicationTask names — the teacher's own job/connect/snapshotting
// schema doesn't survive, since this repo's tasks are shaped entirely
// differently (spec.md §3), but the loading pipeline (YAML -> defaults
// -> env override -> validate) is carried over unchanged.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v4"

	"github.com/sjc-dev/zreplicore/internal/pruning"
	"github.com/sjc-dev/zreplicore/internal/replication"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the top-level on-disk shape: ambient logging settings plus
// every configured replication task.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Tasks   []TaskConfig  `yaml:"tasks" validate:"required,min=1,dive"`
}

// LoggingConfig controls internal/logger's slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error" env:"ZREPLICORE_LOG_LEVEL"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json" env:"ZREPLICORE_LOG_FORMAT"`
}

// TaskConfig is one task's on-disk representation: YAML-friendly
// (strings for direction/readonly/duration) rather than the core's own
// enums, converted by ToReplicationTask.
type TaskConfig struct {
	ID                      string            `yaml:"id" validate:"required"`
	Schedule                string            `yaml:"schedule"` // standard 5-field cron expression; empty means daemon mode skips it
	Direction               string            `yaml:"direction" default:"push" validate:"oneof=push pull"`
	SourceDatasets          []string          `yaml:"source_datasets" validate:"required,min=1"`
	TargetDataset           string            `yaml:"target_dataset" validate:"required"`
	Recursive               bool              `yaml:"recursive"`
	Exclude                 []string          `yaml:"exclude"`
	NamingSchemas           []string          `yaml:"naming_schemas" validate:"required,min=1"`
	Readonly                string            `yaml:"readonly" default:"ignore" validate:"oneof=ignore set require"`
	AllowFromScratch        bool              `yaml:"allow_from_scratch"`
	Replicate               bool              `yaml:"replicate" default:"true"`
	Properties              bool              `yaml:"properties" default:"true"`
	PropertiesExclude       []string          `yaml:"properties_exclude"`
	PropertiesOverride      map[string]string `yaml:"properties_override"`
	Retries                 int               `yaml:"retries" default:"5" validate:"min=1"`
	Compression             bool              `yaml:"compression" default:"true"`
	SpeedLimitBytesPerSec   int64             `yaml:"speed_limit_bytes_per_sec" env:"ZREPLICORE_SPEED_LIMIT"`
	Dedup                   bool              `yaml:"dedup"`
	LargeBlock              bool              `yaml:"large_block" default:"true"`
	Embed                   bool              `yaml:"embed" default:"true"`
	Compressed              bool              `yaml:"compressed" default:"true"`
	Retention               *RetentionConfig  `yaml:"retention"`
}

// RetentionConfig configures internal/pruning's grid policy for one
// task.
type RetentionConfig struct {
	Regex     string           `yaml:"regex" validate:"required"`
	Intervals []IntervalConfig `yaml:"intervals" validate:"required,min=1,dive"`
}

type IntervalConfig struct {
	Length    string `yaml:"length" validate:"required"`
	KeepCount int     `yaml:"keep_count" validate:"required"`
}

// ParseConfig reads and parses the YAML file at path.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfigBytes(path, data)
}

// ParseConfigBytes parses raw YAML config data. filename is used only
// for error messages (pass "" if there isn't one).
func ParseConfigBytes(filename string, data []byte) (*Config, error) {
	label := filename
	if label == "" {
		label = "<config>"
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "---" {
		return nil, fmt.Errorf("%s: empty config", label)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%s: parse yaml: %w", label, err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("%s: apply defaults: %w", label, err)
	}
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("%s: apply env overrides: %w", label, err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return &c, nil
}

// ToReplicationTask converts this task's on-disk shape into the
// core's data model, building its retention policy from Retention (or
// a never-destroy no-op if Retention is nil).
func (t *TaskConfig) ToReplicationTask() (*replication.ReplicationTask, error) {
	var direction replication.Direction
	switch t.Direction {
	case "push":
		direction = replication.DirectionPush
	case "pull":
		direction = replication.DirectionPull
	default:
		return nil, fmt.Errorf("task %q: unknown direction %q", t.ID, t.Direction)
	}

	var readonly replication.ReadonlyMode
	switch t.Readonly {
	case "ignore":
		readonly = replication.ReadonlyIgnore
	case "set":
		readonly = replication.ReadonlySet
	case "require":
		readonly = replication.ReadonlyRequire
	default:
		return nil, fmt.Errorf("task %q: unknown readonly mode %q", t.ID, t.Readonly)
	}

	policy, err := t.retentionPolicy()
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.ID, err)
	}

	return &replication.ReplicationTask{
		ID:                      t.ID,
		Direction:               direction,
		SourceDatasets:          t.SourceDatasets,
		TargetDataset:           t.TargetDataset,
		Recursive:               t.Recursive,
		Exclude:                 toSet(t.Exclude),
		RecognizedNamingSchemas: t.NamingSchemas,
		RetentionPolicy:         policy,
		Readonly:                readonly,
		AllowFromScratch:        t.AllowFromScratch,
		Replicate:               t.Replicate,
		Properties:              t.Properties,
		PropertiesExclude:       toSet(t.PropertiesExclude),
		PropertiesOverride:      t.PropertiesOverride,
		Retries:                 t.Retries,
		Compression:             t.Compression,
		SpeedLimit:              t.SpeedLimitBytesPerSec,
		Dedup:                   t.Dedup,
		LargeBlock:              t.LargeBlock,
		Embed:                   t.Embed,
		Compressed:              t.Compressed,
	}, nil
}

func (t *TaskConfig) retentionPolicy() (replication.RetentionPolicy, error) {
	if t.Retention == nil {
		return func(time.Time, []replication.ParsedSnapshot) []replication.ParsedSnapshot { return nil }, nil
	}

	intervals := make([]pruning.Interval, len(t.Retention.Intervals))
	for i, iv := range t.Retention.Intervals {
		length, err := time.ParseDuration(iv.Length)
		if err != nil {
			return nil, fmt.Errorf("retention interval %d: %w", i, err)
		}
		intervals[i] = pruning.Interval{Length: length, KeepCount: iv.KeepCount}
	}

	grid, err := pruning.NewGridPolicy(t.Retention.Regex, intervals)
	if err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	return grid.Policy(), nil
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
