package cfgx_test

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/erlorenz/pnbridge/cfgx"
)

type testConfig struct {
	Version string
	Author  string        `env:"PROGRAM_AUTHOR" optional:"true" desc:"The author of the program"`
	Port    int           `default:"5000" short:"p" desc:"The server port"`
	BaseURL string        `default:"http://example.com" env:"API_URL" desc:"The API base URL"`
	Debug   bool          `default:"true" short:"d"`
	Timeout time.Duration `default:"5s"`
	Logging struct {
		Level string `default:"info" desc:"The minimum log level"`
	}
}

func TestParse(t *testing.T) {
	base := testConfig{Version: "v10.0.0"}

	t.Run("Defaults", func(t *testing.T) {
		cfg := base
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}

		if cfg.Author != "" {
			t.Errorf("Author: wanted empty string, got %s", cfg.Author)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 5000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "info"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://example.com"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}
		if !cfg.Debug {
			t.Errorf("Debug: wanted true")
		}
		if want := 5 * time.Second; cfg.Timeout != want {
			t.Errorf("Timeout: wanted %s, got %s", want, cfg.Timeout)
		}
	})

	t.Run("EnvsPrefixed", func(t *testing.T) {
		cfg := base
		t.Setenv("PROGRAM_AUTHOR", "John Deere") // tag wins over prefix
		t.Setenv("APP_PORT", "5001")
		t.Setenv("APP_LOGGING_LEVEL", "debug")
		t.Setenv("APP_VERSION", "error") // already set, skipped
		t.Setenv("API_URL", "http://api.example.com")
		t.Setenv("APP_TIMEOUT", "1m")

		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, EnvPrefix: "APP"}); err != nil {
			t.Fatal(err)
		}

		if want := "John Deere"; cfg.Author != want {
			t.Errorf("Author: wanted %s, got %s", want, cfg.Author)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 5001; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "debug"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://api.example.com"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}
		if want := time.Minute; cfg.Timeout != want {
			t.Errorf("Timeout: wanted %s, got %s", want, cfg.Timeout)
		}
	})

	t.Run("Flags", func(t *testing.T) {
		cfg := base
		t.Setenv("PORT", "5001")
		t.Setenv("LOGGING_LEVEL", "debug")

		args := []string{"-port", "3000", "--logging-level=error", "-author=Jack Smith", "-base-url=http://example.com/api", "-debug=false"}
		if err := cfgx.Parse(&cfg, cfgx.Options{Args: args}); err != nil {
			t.Fatal(err)
		}

		if want := "Jack Smith"; cfg.Author != want {
			t.Errorf("Author: wanted %s, got %s", want, cfg.Author)
		}
		if want := 3000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "error"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://example.com/api"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}
		if cfg.Debug {
			t.Errorf("Debug: wanted false")
		}
	})

	t.Run("FlagsSnake", func(t *testing.T) {
		cfg := base

		args := []string{"--logging_level=warn", "-base_url=http://example.com/v2"}
		if err := cfgx.Parse(&cfg, cfgx.Options{Args: args, SkipEnv: true, FlagNames: cfgx.SnakeFlags}); err != nil {
			t.Fatal(err)
		}

		if want := "warn"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://example.com/v2"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}

		kebab := base
		err := cfgx.Parse(&kebab, cfgx.Options{Args: []string{"--logging-level=warn"}, SkipEnv: true, FlagNames: cfgx.SnakeFlags})
		if err == nil {
			t.Errorf("expected kebab flag to be undefined with SnakeFlags")
		}
	})

	t.Run("FlagsShort", func(t *testing.T) {
		cfg := base
		cfg.Debug = false

		args := []string{"-p", "3000", "-d"}
		if err := cfgx.Parse(&cfg, cfgx.Options{Args: args, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}

		if want := 3000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if !cfg.Debug {
			t.Errorf("Debug: wanted true")
		}
	})

	t.Run("Help", func(t *testing.T) {
		cfg := base
		err := cfgx.Parse(&cfg, cfgx.Options{Args: []string{"-h"}, SkipEnv: true})
		if !errors.Is(err, flag.ErrHelp) {
			t.Fatalf("wanted flag.ErrHelp, got %v", err)
		}
	})

	t.Run("InvalidValue", func(t *testing.T) {
		cfg := base
		t.Setenv("PORT", "not-a-number")

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true})
		var multi *cfgx.MultiError
		if !errors.As(err, &multi) {
			t.Fatalf("wanted MultiError, got %v", err)
		}
	})

	t.Run("Files", func(t *testing.T) {
		fakeFS := fstest.MapFS{
			"my_secret":     &fstest.MapFile{Data: []byte("supersecret\n")},
			"my_secret_int": &fstest.MapFile{Data: []byte("5")},
			"custom":        &fstest.MapFile{Data: []byte("tagged")},
		}

		var cfg struct {
			MySecret    string
			MySecretInt int
			Tagged      string `file:"custom"`
		}

		sfc := &cfgx.FileContentSource{
			PriorityLevel: cfgx.PrioritySecrets,
			Tag:           "file",
			FS:            fakeFS,
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true, Sources: []cfgx.Source{sfc}})
		if err != nil {
			t.Fatal(err)
		}

		if want, got := "supersecret", cfg.MySecret; got != want {
			t.Errorf("MySecret: wanted %s, got %s", want, got)
		}
		if want, got := 5, cfg.MySecretInt; want != got {
			t.Errorf("MySecretInt: wanted %d, got %d", want, got)
		}
		if want, got := "tagged", cfg.Tagged; want != got {
			t.Errorf("Tagged: wanted %s, got %s", want, got)
		}
	})
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "PN_CHANNEL=from-file\nPN_PORT=7000\nPN_LOGGING_LEVEL=warn\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var cfg struct {
		Channel string
		Port    int
		Logging struct {
			Level string `default:"info"`
		}
	}

	// The real environment beats the file.
	t.Setenv("PN_PORT", "8000")

	err := cfgx.Parse(&cfg, cfgx.Options{
		SkipFlags: true,
		EnvPrefix: "PN",
		Sources:   []cfgx.Source{cfgx.NewDotEnvSource("PN", path)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if want := "from-file"; cfg.Channel != want {
		t.Errorf("Channel: wanted %s, got %s", want, cfg.Channel)
	}
	if want := 8000; cfg.Port != want {
		t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
	}
	if want := "warn"; cfg.Logging.Level != want {
		t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
	}
}

func TestDotEnvMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")

	var cfg struct {
		Name string `default:"x"`
	}

	optional := cfgx.NewDotEnvSource("", missing)
	if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true, Sources: []cfgx.Source{optional}}); err != nil {
		t.Fatalf("optional file: %v", err)
	}

	cfg.Name = ""
	required := &cfgx.DotEnvSource{Paths: []string{missing}, Required: true}
	if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true, Sources: []cfgx.Source{required}}); err == nil {
		t.Fatal("wanted error for required missing file")
	}
}

func TestBuildInfo(t *testing.T) {
	var cfg struct {
		Version string
	}
	if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
		t.Fatal(err)
	}
	if cfg.Version == "" {
		t.Error("Version: wanted build info version, got empty string")
	}

	var skipped struct {
		Version string `optional:"true"`
	}
	if err := cfgx.Parse(&skipped, cfgx.Options{SkipFlags: true, SkipEnv: true, SkipBuildInfo: true}); err != nil {
		t.Fatal(err)
	}
	if skipped.Version != "" {
		t.Errorf("Version: wanted empty string, got %s", skipped.Version)
	}
}

func TestValidate(t *testing.T) {
	t.Run("OptionalNone", func(t *testing.T) {
		var cfg struct {
			Required string
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err == nil {
			t.Fatal("wanted error")
		}
	})

	t.Run("OptionalTrue", func(t *testing.T) {
		var cfg struct {
			NotRequired string `optional:"true"`
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("OptionalFalse", func(t *testing.T) {
		var cfg struct {
			NotRequired string `optional:"false"`
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err == nil {
			t.Fatal("wanted error")
		}
	})

	t.Run("NotPointer", func(t *testing.T) {
		var cfg struct{}
		if err := cfgx.Parse(cfg, cfgx.Options{}); !errors.Is(err, cfgx.ErrNotPointerToStruct) {
			t.Fatalf("wanted ErrNotPointerToStruct, got %v", err)
		}
	})
}
