package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSrc string

// Load returns Default overlaid with the CUE file at path (skipped when
// path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(content, path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse overlays CUE source onto Default without consulting the
// environment.
func Parse(content []byte, filename string) (Config, error) {
	cfg := Default()
	if err := cfg.decode(content, filename); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(content []byte, filename string) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.CompileBytes(content, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	if err := unified.Decode(c); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables looked up with
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set("OPENAI_API_KEY", &c.Model.APIKey)
	set("OPENAI_BASE_URL", &c.Model.BaseURL)
	set("CODEBOX_MODEL", &c.Model.Name)
	set("CODEBOX_PROVIDER", &c.Model.Provider)
	set("CODEBOX_WORKSPACE", &c.Workspace.Root)
	set("CODEBOX_LOG_LEVEL", &c.Log.Level)
	set("CODEBOX_TOKEN", &c.Server.Token)
}
