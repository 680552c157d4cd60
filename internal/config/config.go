// Package config loads and validates the node's configuration: defaults,
// an optional YAML file, and an environment overlay (spec §6 "Configuration
// surface"), following the teacher's pattern of populating defaults on a
// struct before unmarshalling over them.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file is read from when no override is
// given.
const DefaultPath = "/etc/loramesh/conf.yml"

// envPrefix is prepended to the uppercased yaml tag name of every field
// when applying the environment overlay.
const envPrefix = "LOMESH_"

// Config is the full recognized configuration surface (spec §6).
type Config struct {
	NodeID        byte   `yaml:"nodeid"`
	IsGateway     bool   `yaml:"isgateway"`
	Debug         bool   `yaml:"debug"`
	RadioPort     string `yaml:"radioport"`
	RadioCfg      string `yaml:"radiocfg"`
	MaxPacketSize int    `yaml:"maxpacketsize"`
	TxSlotMS      uint64 `yaml:"txslot"`
	EOTWaitMS     uint64 `yaml:"eotwait"`
	ChunkTimeoutMS uint64 `yaml:"chunktimeout"`
	MaxHops       byte   `yaml:"maxhops"`

	// MetricsAddr, left empty, disables the Prometheus endpoint (ambient
	// addition, not part of the modem/frame/router surface).
	MetricsAddr string `yaml:"metricsaddr"`
}

// defaults returns a Config populated with spec §6's default values.
func defaults() Config {
	return Config{
		NodeID:         0,
		IsGateway:      false,
		Debug:          false,
		RadioPort:      "/dev/ttyUSB0",
		MaxPacketSize:  200,
		TxSlotMS:       200,
		EOTWaitMS:      1000,
		ChunkTimeoutMS: 10000,
		MaxHops:        2,
	}
}

// Load builds a Config from defaults, overlaid by the YAML file at path (if
// it exists) and then by LOMESH_* environment variables, and validates the
// result. path may be empty, in which case DefaultPath is used; a missing
// file at that path is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// optional file, defaults stand
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyEnvOverlay(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment overlay: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverlay reflects over cfg's yaml tags and, for each one present
// as LOMESH_<TAG> (uppercased) in the environment, parses and assigns it.
// No library in the retrieval pack binds env vars to structs, so this is a
// small hand-rolled helper rather than a stdlib fallback for a concern a
// library already owns.
func applyEnvOverlay(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("yaml")
		if tag == "" {
			continue
		}
		key := envPrefix + strings.ToUpper(tag)
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		fv := v.Field(i)
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Uint8:
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(n))
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// validate enforces the graceful bounds checking a complete implementation
// applies at load time rather than deep in business logic: a violation is
// a config/init failure (spec §7), fatal at startup.
func validate(cfg Config) error {
	if cfg.MaxPacketSize < 10 || cfg.MaxPacketSize > 250 {
		return fmt.Errorf("maxpacketsize %d out of range 10..250", cfg.MaxPacketSize)
	}
	if cfg.MaxHops == 0 {
		return fmt.Errorf("maxhops must be non-zero")
	}
	if cfg.NodeID == 255 {
		return fmt.Errorf("nodeid 255 is reserved, not an allocatable id")
	}
	if cfg.RadioPort == "" {
		return fmt.Errorf("radioport must not be empty")
	}
	return nil
}
