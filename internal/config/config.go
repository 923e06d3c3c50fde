// Package config loads binary settings from four layers, lowest precedence first: flag defaults,
// a YAML file (-config), the environment (optionally seeded from -env-file), and flags given on the
// command line. Every layer is applied through the flag set, so a YAML key or environment variable
// accepts exactly what the matching flag accepts.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrUsage marks configuration errors that should exit with the usage status.
var ErrUsage = errors.New("usage")

// binding maps an environment variable onto a flag name.
type binding struct {
	env  string
	flag string
}

// load parses args into fs and then layers the YAML file and environment underneath the flags that
// were set explicitly.
func load(fs *flag.FlagSet, args []string, env []binding) error {
	var file, envFile string
	fs.StringVar(&file, "config", "", "YAML file with settings keyed by flag name")
	fs.StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment before reading it")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", ErrUsage, fs.Args())
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if file != "" {
		if err := applyYAML(fs, file); err != nil {
			return err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("env file %s: %w", envFile, err)
		}
	}
	for _, b := range env {
		v, ok := os.LookupEnv(b.env)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(b.flag, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrUsage, b.env, v, err)
		}
	}

	names := make([]string, 0, len(explicit))
	for name := range explicit {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := fs.Set(name, explicit[name]); err != nil {
			return fmt.Errorf("%w: -%s: %v", ErrUsage, name, err)
		}
	}
	return nil
}

func applyYAML(fs *flag.FlagSet, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()
	values := map[string]any{}
	if err := yaml.NewDecoder(f).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "config" || k == "env-file" || fs.Lookup(k) == nil {
			return fmt.Errorf("%w: config file %s: unknown key %q", ErrUsage, path, k)
		}
		v, err := scalar(values[k])
		if err != nil {
			return fmt.Errorf("%w: config file %s: %s: %v", ErrUsage, path, k, err)
		}
		if err := fs.Set(k, v); err != nil {
			return fmt.Errorf("%w: config file %s: %s: %v", ErrUsage, path, k, err)
		}
	}
	return nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	}
}

// seconds is a duration flag that also accepts a bare number of seconds ("25", "0.5").
type seconds struct{ d *time.Duration }

func durationVar(fs *flag.FlagSet, p *time.Duration, name string, value time.Duration, usage string) {
	*p = value
	fs.Var(seconds{p}, name, usage)
}

func (s seconds) String() string {
	if s.d == nil {
		return "0s"
	}
	return s.d.String()
}

func (s seconds) Set(v string) error {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		*s.d = d
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	if f < 0 {
		return fmt.Errorf("negative duration %q", v)
	}
	*s.d = time.Duration(f * float64(time.Second))
	return nil
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %s %d out of range", ErrUsage, name, p)
	}
	return nil
}
