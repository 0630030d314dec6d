// Package cfgx populates a configuration struct from several sources applied
// in priority order, so that a higher-priority source overrides a lower one:
// flags (100) > Docker secrets (75) > environment (50) > .env files (25) >
// struct-tag defaults (0).
//
// Field names are derived from the struct path (Logging.Level becomes
// LOGGING_LEVEL, --logging-level or --logging_level, and logging_level) and
// can be overridden with the env, flag, short and dsec tags. Every non-bool
// field is required unless tagged optional:"true".
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/erlorenz/pnbridge/cfgx/internal/casing"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition

	tagDockerSecret = "dsec"
)

// Priorities of the built-in sources.
const (
	PriorityDefaults = 0
	PriorityDotEnv   = 25
	PriorityEnv      = 50
	PrioritySecrets  = 75
	PriorityFlags    = 100
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// Source processes the ConfigField map and applies values to the
// config struct. Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix is prepended, with an underscore, to derived environment
	// variable names. Names set with the env tag are used as they are.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// SkipBuildInfo leaves a top level Version field alone instead of
	// filling it from the build info.
	SkipBuildInfo bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
	// FlagNames chooses how flag names are derived from field paths.
	FlagNames FlagNames
}

// FlagNames is the word separator of derived flag names. A flag tag always
// wins.
type FlagNames int

const (
	KebabFlags FlagNames = iota // --logging-level
	SnakeFlags                  // --logging_level
)

func (f FlagNames) style() casing.Style {
	if f == SnakeFlags {
		return casing.Snake
	}
	return casing.Kebab
}

// withDefaults fills the program name and arguments from os.Args.
func (o Options) withDefaults() Options {
	if len(os.Args) > 0 {
		o.ProgramName = cmp.Or(o.ProgramName, os.Args[0])
		if o.Args == nil {
			o.Args = os.Args[1:]
		}
	}
	return o
}

// Parse populates the config struct from its sources. Fields that are
// already non-zero are left alone.
//
// To add a source in order, choose a priority in between the included
// sources.
func Parse(cfg any, options Options) error {
	opts := options.withDefaults()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	// Map of dot-notation paths to the fields still to fill
	structMap := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{prefix: opts.EnvPrefix, lookup: os.LookupEnv})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{opts: opts})
	}
	sources = append(sources, opts.Sources...)

	// Overridden by any source that sets Version.
	if version, ok := structMap["Version"]; ok && !opts.SkipBuildInfo && version.Kind == reflect.String {
		v := "(develop)"
		if bi, ok := debug.ReadBuildInfo(); ok {
			v = cmp.Or(bi.Main.Version, v)
		}
		version.Value.SetString(v)
	}

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs []error
	for _, source := range sources {
		if err := source.Process(structMap); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return handleError(opts.ErrorHandling, fmt.Errorf("sources: %w", &MultiError{errs}))
	}

	if err := validateRequired(structMap); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}

	return nil
}

// ConfigField represents a field in the config struct.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}
		name := structField.Name
		kind := fieldVal.Kind()
		tag := structField.Tag

		if !fieldVal.IsZero() {
			continue
		}

		path := name
		if currPath != "" {
			path = strings.Join([]string{currPath, name}, ".")
		}

		if kind == reflect.Struct {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}
		desc := cmp.Or(tag.Get(tagDescription), path)

		fields[path] = ConfigField{
			Path: path, Value: fieldVal, Kind: kind, Name: name, StructField: structField, Tag: tag, Description: desc}
	}
	return fields
}

func validateRequired(fields map[string]ConfigField) error {
	var allErrs []error

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]
		if field.Kind == reflect.Bool {
			continue // false is a value
		}
		reqVal, exists := field.Tag.Lookup(tagOptional)
		if exists && reqVal != "false" {
			continue
		}

		if field.Value.IsZero() {
			allErrs = append(allErrs, fmt.Errorf("%s is required", path))
		}
	}

	if len(allErrs) > 0 {
		return &MultiError{allErrs}
	}
	return nil
}

func handleError(errHandling flag.ErrorHandling, err error) error {
	if errHandling == flag.ExitOnError {
		slog.Error("Error parsing config struct.", "error", err)
		os.Exit(1)
	}
	if errHandling == flag.PanicOnError {
		panic(err)
	}

	return err
}
