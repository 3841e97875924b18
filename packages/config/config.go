// Package config loads engine settings from YAML or TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-recalc/packages/spatial"
)

const (
	EnvLogLevel  = "RECALC_LOG_LEVEL"
	EnvLogFormat = "RECALC_LOG_FORMAT"
)

type Config struct {
	Index   spatial.Options `yaml:"index" toml:"index"`
	Formula FormulaConfig   `yaml:"formula" toml:"formula"`
	Log     LogConfig       `yaml:"log" toml:"log"`
}

type FormulaConfig struct {
	// CacheSize bounds the number of parsed formulas kept per workbook.
	CacheSize int `yaml:"cache_size" toml:"cache_size" validate:"min=1,max=1000000"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

func Default() Config {
	return Config{
		Index:   spatial.DefaultOptions(),
		Formula: FormulaConfig{CacheSize: 1024},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their file names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. The decoder is chosen by extension.
// An empty path returns the defaults with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	}
	return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// ApplyEnv overrides the log settings from RECALC_LOG_LEVEL and
// RECALC_LOG_FORMAT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
}

// Validate checks every field against its limits.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field, _ := strings.CutPrefix(fe.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", field, fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
