package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/vshulcz/bamstats/internal/misc"
)

// overlay binds flags to config fields. Values are applied in order
// defaults < YAML file < flags < ENV once the YAML layer has been loaded.
type overlay struct {
	fs      *pflag.FlagSet
	setters []func()
}

func newOverlay(fs *pflag.FlagSet) *overlay {
	fs.String("config", "", "YAML config file (env BAMSTATS_CONFIG)")
	fs.String("env-file", ".env", "dotenv file loaded before reading ENV")
	return &overlay{fs: fs}
}

// String binds a string flag. Blank values fall through to the lower layers.
// An empty env key leaves the field flag-only.
func (o *overlay) String(dst *string, name, short, env, usage string) {
	v := new(string)
	o.fs.StringVarP(v, name, short, "", usage+envHint(env))
	o.setters = append(o.setters, func() {
		if s := strings.TrimSpace(*v); o.fs.Changed(name) && s != "" {
			*dst = s
		}
		if env != "" {
			*dst = misc.Getenv(env, *dst)
		}
	})
}

func (o *overlay) Bool(dst *bool, name, short, env, usage string) {
	v := new(bool)
	o.fs.BoolVarP(v, name, short, false, usage+envHint(env))
	o.setters = append(o.setters, func() {
		if o.fs.Changed(name) {
			*dst = *v
		}
		if env != "" {
			*dst = misc.GetBool(env, *dst)
		}
	})
}

// Int binds an int flag. Values below min are ignored.
func (o *overlay) Int(dst *int, name, short, env, usage string, min int) {
	v := new(int)
	o.fs.IntVarP(v, name, short, 0, usage+envHint(env))
	o.setters = append(o.setters, func() {
		if o.fs.Changed(name) && *v >= min {
			*dst = *v
		}
		if env != "" {
			if n := misc.GetInt(env, *dst); n >= min {
				*dst = n
			}
		}
	})
}

// Duration binds a duration flag. ENV accepts plain seconds or Go syntax.
func (o *overlay) Duration(dst *time.Duration, name, short, env, usage string) {
	v := new(time.Duration)
	o.fs.DurationVarP(v, name, short, 0, usage+envHint(env))
	o.setters = append(o.setters, func() {
		if o.fs.Changed(name) {
			*dst = *v
		}
		if env != "" {
			*dst = misc.GetDuration(env, *dst)
		}
	})
}

// List binds a comma separated list flag.
func (o *overlay) List(dst *[]string, name, short, env, usage string) {
	v := new([]string)
	o.fs.StringSliceVarP(v, name, short, nil, usage+envHint(env))
	o.setters = append(o.setters, func() {
		if o.fs.Changed(name) {
			*dst = *v
		}
		if env != "" {
			*dst = misc.GetList(env, *dst)
		}
	})
}

func (o *overlay) apply() {
	for _, set := range o.setters {
		set()
	}
}

func envHint(env string) string {
	if env == "" {
		return ""
	}
	return " (env " + env + ")"
}

// loadDotEnv reads a .env file into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadYAML decodes path over dst. Keys absent from the file keep their value.
func loadYAML(path string, dst any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// load parses args, reads the .env file and the YAML file into dst, and then
// applies flags and ENV over it.
func (o *overlay) load(args []string, dst any) error {
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	envPath, _ := o.fs.GetString("env-file")
	if err := loadDotEnv(envPath); err != nil {
		return err
	}
	cfgPath, _ := o.fs.GetString("config")
	if err := loadYAML(misc.Getenv("BAMSTATS_CONFIG", cfgPath), dst); err != nil {
		return err
	}
	o.apply()
	return nil
}
