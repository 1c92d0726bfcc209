package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/golobby/cast"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "SVCREGISTRY"

// Static errors for configuration package
var (
	ErrUnsupportedFormat = errors.New("unsupported configuration file format")
	ErrUnknownKeys       = errors.New("unknown configuration keys")
	ErrEnvOverride       = errors.New("invalid environment override")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrFieldNotTracked   = errors.New("no provenance recorded for field")
)

var (
	validate     *validator.Validate
	durationType = reflect.TypeOf(time.Duration(0))
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("cronspec", validateCronSpec)
}

// validateCronSpec accepts the standard five-field syntax and descriptors such as "@every 1m".
func validateCronSpec(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// Loader layers defaults, one configuration file and environment overrides.
type Loader struct {
	path   string
	prefix string
	lookup LookupFunc

	mu         sync.RWMutex
	sources    []*Source
	provenance map[string]*FieldProvenance
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEnvPrefix replaces DefaultEnvPrefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.prefix = strings.TrimSuffix(strings.ToUpper(prefix), "_")
	}
}

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(fn LookupFunc) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.lookup = fn
		}
	}
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{
		path:       path,
		prefix:     DefaultEnvPrefix,
		lookup:     os.LookupEnv,
		provenance: make(map[string]*FieldProvenance),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load builds a validated Config. Each call starts again from the defaults.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = l.sources[:0]
	l.provenance = make(map[string]*FieldProvenance)

	cfg := Default()
	l.sources = append(l.sources, &Source{Type: SourceDefaults, Priority: 0, LoadedAt: time.Now()})

	if l.path != "" {
		typ, err := l.loadFile(cfg)
		if err != nil {
			return nil, err
		}
		l.sources = append(l.sources, &Source{Type: typ, Location: l.path, Priority: 10, LoadedAt: time.Now()})
	}

	applied, err := l.applyEnv(cfg)
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		l.sources = append(l.sources, &Source{
			Type:       SourceEnv,
			Location:   l.prefix + "_*",
			Priority:   20,
			LoadedAt:   time.Now(),
			Overridden: applied,
		})
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sources returns the layers applied by the last Load, lowest priority first.
func (l *Loader) Sources() []*Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Source, len(l.sources))
	copy(out, l.sources)
	return out
}

// Provenance reports which environment variable set fieldPath (for example
// "tracker.workers") during the last Load.
func (l *Loader) Provenance(fieldPath string) (*FieldProvenance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.provenance[fieldPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotTracked, fieldPath)
	}
	return p, nil
}

// Load is a shorthand for NewLoader(path).Load(ctx).
func Load(ctx context.Context, path string) (*Config, error) {
	return NewLoader(path).Load(ctx)
}

// Validate checks cfg against its validate tags.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func (l *Loader) loadFile(cfg *Config) (SourceType, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return "", fmt.Errorf("opening configuration file: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(l.path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to parse YAML %s: %w", l.path, err)
		}
		return SourceYAML, nil
	case ".toml":
		md, err := toml.NewDecoder(f).Decode(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to parse TOML %s: %w", l.path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return "", fmt.Errorf("%w in %s: %s", ErrUnknownKeys, l.path, strings.Join(keys, ", "))
		}
		return SourceTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// applyEnv walks cfg and overrides every field carrying an env tag whose
// prefixed variable is set and non-empty.
func (l *Loader) applyEnv(cfg *Config) ([]string, error) {
	var applied []string
	err := walkFields(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, sf reflect.StructField, path string) error {
		tag, ok := sf.Tag.Lookup("env")
		if !ok {
			return nil
		}
		name := l.prefix + "_" + strings.ToUpper(tag)
		raw, ok := l.lookup(name)
		if !ok || raw == "" {
			return nil
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("%w %s: %w", ErrEnvOverride, name, err)
		}
		applied = append(applied, name)
		l.provenance[path] = &FieldProvenance{
			FieldPath:    path,
			Source:       SourceEnv,
			SourceDetail: name,
			Value:        field.Interface(),
		}
		return nil
	})
	return applied, err
}

func walkFields(v reflect.Value, prefix string, fn func(reflect.Value, reflect.StructField, string) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		path := fieldName(sf)
		if prefix != "" {
			path = prefix + "." + path
		}
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := walkFields(field, path, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(field, sf, path); err != nil {
			return err
		}
	}
	return nil
}

func fieldName(sf reflect.StructField) string {
	if tag := sf.Tag.Get("yaml"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			return name
		}
	}
	return strings.ToLower(sf.Name)
}

// setFieldValue converts and sets a field value
func setFieldValue(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot convert value to duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	converted, err := cast.FromType(raw, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
