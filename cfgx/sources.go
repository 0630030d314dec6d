package cfgx

import (
	"cmp"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/joho/godotenv"

	"github.com/erlorenz/pnbridge/cfgx/internal/casing"
)

const (
	dockerPath    = "/run/secrets"
	maxSecretSize = 1 << 20 // 1MB - max size for secret files
)

// sortedFields iterates fields in path order so errors come out stable.
func sortedFields(fields map[string]ConfigField) []ConfigField {
	out := make([]ConfigField, 0, len(fields))
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, fields[path])
	}
	return out
}

func joinErrs(errs []error) error {
	if len(errs) > 0 {
		return &MultiError{errs}
	}
	return nil
}

// Default ===================================================================
type defaultSource struct{}

func (s *defaultSource) Priority() int {
	return PriorityDefaults
}

func (s *defaultSource) Process(fields map[string]ConfigField) error {
	var allErrs []error

	for _, field := range sortedFields(fields) {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setValue(field, defVal); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return joinErrs(allErrs)
}

// Env ====================================================================

// envName is the variable a field is read from: the env tag if present,
// otherwise the SCREAMING_SNAKE path with an optional prefix.
func envName(field ConfigField, prefix string) string {
	if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
		return tagVal
	}
	name := casing.ToScreamingSnake(field.Path)
	if prefix != "" {
		name = prefix + "_" + name
	}
	return name
}

type envSource struct {
	priority int
	prefix   string
	lookup   func(string) (string, bool)
}

func (s *envSource) Priority() int {
	return cmp.Or(s.priority, PriorityEnv)
}

func (s *envSource) Process(fields map[string]ConfigField) error {
	var allErrs []error

	for _, field := range sortedFields(fields) {
		envVal, ok := s.lookup(envName(field, s.prefix))
		if !ok {
			continue
		}
		if err := setValue(field, envVal); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return joinErrs(allErrs)
}

// DotEnv ==================================================================

// DotEnvSource reads variables from .env files, with the same names as the
// environment source. Real environment variables take precedence because
// the environment source runs later.
type DotEnvSource struct {
	// Paths are the files to read; later files do not override earlier
	// ones. Defaults to ".env".
	Paths []string
	// Prefix is the EnvPrefix to apply to derived names.
	Prefix string
	// Required makes a missing file an error.
	Required bool
}

// NewDotEnvSource reads the given files, or ".env" when none are given.
func NewDotEnvSource(prefix string, paths ...string) *DotEnvSource {
	return &DotEnvSource{Paths: paths, Prefix: prefix}
}

// Priority implements [Source].
func (s *DotEnvSource) Priority() int {
	return PriorityDotEnv
}

// Process implements [Source].
func (s *DotEnvSource) Process(fields map[string]ConfigField) error {
	paths := s.Paths
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	vars := map[string]string{}
	for _, path := range paths {
		fileVars, err := godotenv.Read(path)
		if err != nil {
			if !s.Required && os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range fileVars {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}

	env := &envSource{
		priority: PriorityDotEnv,
		prefix:   s.Prefix,
		lookup: func(name string) (string, bool) {
			v, ok := vars[name]
			return v, ok
		},
	}
	return env.Process(fields)
}

// Flag ===================================================================
type flagSource struct {
	opts Options
}

func (s *flagSource) Priority() int {
	return PriorityFlags
}

func (s *flagSource) Process(fields map[string]ConfigField) error {
	var allErrs []error

	flags := flag.NewFlagSet(s.opts.ProgramName, flag.ContinueOnError)

	for _, field := range sortedFields(fields) {
		flagName := s.opts.FlagNames.style().Format(field.Path)
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			flagName = tagVal
		}

		set := func(raw string) error {
			if err := setValue(field, raw); err != nil {
				allErrs = append(allErrs, err)
			}
			return nil
		}

		names := []string{flagName}
		if short := field.Tag.Get(tagShort); short != "" {
			names = append(names, short)
		}
		for _, name := range names {
			if field.Kind == reflect.Bool {
				flags.BoolFunc(name, field.Description, set)
			} else {
				flags.Func(name, field.Description, set)
			}
		}
	}

	if err := flags.Parse(s.opts.Args); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	return joinErrs(allErrs)
}

// ====================================================================
// Docker Secrets

// DockerSecretsSource wraps a [FileContentSource].
// It reads the docker secret file at “/run/secrets/<secret_name>“.
// It defaults to snake case based on the struct path.
// Override the name with the tag "dsec".
type DockerSecretsSource struct {
	SecretsPath string
	FileContentSource
}

// Process opens an [os.Root] and calls the underlying [FileContentSource]'s
// Process method with the [os.Root.FS]. A missing secrets directory is not
// an error.
func (s *DockerSecretsSource) Process(structMap map[string]ConfigField) error {
	root, err := os.OpenRoot(s.SecretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open docker path: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(structMap)
}

// NewDockerSecretsSource sets a priority of PrioritySecrets (75), a tag of "dsec",
// and a secrets path of `/run/secrets`.
func NewDockerSecretsSource() *DockerSecretsSource {
	return &DockerSecretsSource{
		SecretsPath: dockerPath,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagDockerSecret,
			// Assign the fs.FS in the Process method so we can use os.Root.
		},
	}
}

// FileContentSource reads one file per field from FS, named after the
// snake_case path or the Tag override. Missing files are skipped.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(structMap map[string]ConfigField) error {
	if s.FS == nil {
		return fmt.Errorf("process FileContentSource: fs.FS cannot be nil")
	}

	var allErrs []error

	for _, field := range sortedFields(structMap) {
		secretName := casing.ToSnake(field.Path)
		if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
			secretName = tagVal
		}

		secretVal, ok, err := s.read(secretName)
		if err != nil {
			allErrs = append(allErrs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := setValue(field, secretVal); err != nil {
			allErrs = append(allErrs, err)
		}
	}

	return joinErrs(allErrs)
}

func (s *FileContentSource) read(name string) (string, bool, error) {
	file, err := s.FS.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer file.Close()

	b, err := io.ReadAll(io.LimitReader(file, maxSecretSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxSecretSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxSecretSize)
	}
	return strings.TrimSpace(string(b)), true, nil
}
