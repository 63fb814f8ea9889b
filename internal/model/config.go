package model

import (
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version"` // fixed 0 for now
	Scrub   Scrub   `json:"scrub"`
	Service Service `json:"service"`
}

// Scrub tool and topology settings.
type Scrub struct {
	FSType string   `json:"fstype"`         // filesystem type to scrub
	Binary string   `json:"binary"`         // scrub tool for direct invocation
	Args   []string `json:"args,omitempty"` // args placed before the mountpoint
	Lsblk  string   `json:"lsblk"`          // path or name of the lsblk binary
	Unit   string   `json:"unit"`           // unit template, %s = escaped mountpoint
}

// Service execution settings: manual runs one pass, timer runs passes
// on a schedule until cancelled.
type Service struct {
	Mode     string         `json:"mode"` // "manual" | "timer"
	Verbose  *bool          `json:"verbose,omitempty"`
	Schedule *TimerSchedule `json:"schedule,omitempty"` // required when mode == "timer"
}

// TimerSchedule holds either a 5-field cron expression or an ISO8601
// duration. Exactly one should be set.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// DefaultConfig returns a configuration which scrubs every mounted XFS
// filesystem once via the standard tooling.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Scrub: Scrub{
			FSType: "xfs",
			Binary: "/usr/sbin/xfs_scrub",
			Args:   []string{"-b"},
			Lsblk:  "lsblk",
			Unit:   "xfs_scrub@%s.service",
		},
		Service: Service{
			Mode: ServiceModeManual,
		},
	}
}

// LoadConfig validates YAML from r against the CUE schema and decodes
// it into Config. Schema defaults apply to omitted fields.
func LoadConfig(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	yamlFile, err := yaml.Extract("config.yaml", raw)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
