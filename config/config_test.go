package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig materialises a config file plus the four toolchain
// directories it points at, each holding one executable.
func writeConfig(t *testing.T, mutate func(yaml string) string) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"problems", "compilers", "runners", "checkers"} {
		path := filepath.Join(root, dir)
		if err := os.Mkdir(path, 0o755); err != nil {
			t.Fatalf("mkdir %s failed: %v", dir, err)
		}
		if dir == "problems" {
			continue
		}
		exe := filepath.Join(path, "default")
		if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("write %s failed: %v", exe, err)
		}
	}

	doc := fmt.Sprintf(`
db:
  locator: sqlite://%s/queue.db
dirs:
  problems: %s/problems
  compilers: %s/compilers
  runners: %s/runners
  checkers: %s/checkers
files:
  stdin: stdin
  stdout: stdout
  stderr: stderr
  ejudge_log: ejudge_log
  compiler_log: compiler_log
behaviour:
  interval: 2
  time_multiplier: 1.5
  checker_comment_max_len: 255
logging:
  mode: json
  file: tester.log
`, root, root, root, root, root)
	if mutate != nil {
		doc = mutate(doc)
	}

	path := filepath.Join(root, "tester.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

// TestLoad verifies a complete file parses, resolves and builds the
// registries.
func TestLoad(t *testing.T) {
	path := writeConfig(t, nil)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !strings.HasPrefix(cfg.DB.Locator, "sqlite://") {
		t.Errorf("locator = %q", cfg.DB.Locator)
	}
	if !filepath.IsAbs(cfg.Dirs.Problems) {
		t.Errorf("problems dir not resolved: %q", cfg.Dirs.Problems)
	}
	if cfg.Behaviour.Interval != 2 || cfg.Behaviour.TimeMultiplier != 1.5 ||
		cfg.Behaviour.CheckerCommentMaxLen != 255 {
		t.Errorf("behaviour = %+v", cfg.Behaviour)
	}
	if cfg.Behaviour.RequeueAfter != 0 {
		t.Errorf("requeue_after default = %d, want 0", cfg.Behaviour.RequeueAfter)
	}
	if cfg.Logging.Mode != "json" || cfg.Logging.File != "tester.log" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	for name, registry := range map[string]map[string]string{
		"compilers": cfg.Exec.Compilers,
		"runners":   cfg.Exec.Runners,
		"checkers":  cfg.Exec.Checkers,
	} {
		if _, ok := registry["default"]; !ok {
			t.Errorf("%s registry missing scanned executable: %v", name, registry)
		}
	}
}

// TestLoad_ByteOrderMark verifies a UTF-8 BOM does not break parsing.
func TestLoad_ByteOrderMark(t *testing.T) {
	path := writeConfig(t, nil)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := os.WriteFile(path, append([]byte("\xef\xbb\xbf"), raw...), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM failed: %v", err)
	}
}

// TestLoad_Defaults verifies the optional keys default sensibly.
func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, func(doc string) string {
		return strings.Replace(doc, "  time_multiplier: 1.5\n", "", 1)
	})
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Behaviour.TimeMultiplier != 1 {
		t.Errorf("time_multiplier default = %g, want 1", cfg.Behaviour.TimeMultiplier)
	}
	if cfg.Logging.Mode != "json" {
		t.Errorf("logging mode = %q", cfg.Logging.Mode)
	}
}

// TestLoad_Validation verifies the fatal misconfigurations.
func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(string) string
		want   string
	}{
		{
			"missing locator",
			func(doc string) string {
				return strings.Replace(doc, "  locator: sqlite://", "  locator: \"\" # sqlite://", 1)
			},
			"db.locator",
		},
		{
			"missing dir value",
			func(doc string) string {
				i := strings.Index(doc, "  checkers:")
				return doc[:i] + "  checkers: \"\"\n" + doc[strings.Index(doc[i:], "\n")+i+1:]
			},
			"dirs.checkers",
		},
		{
			"nonexistent dir",
			func(doc string) string {
				return strings.Replace(doc, "/problems\n", "/problems-nope\n", 1)
			},
			"dirs.problems",
		},
		{
			"missing file name",
			func(doc string) string {
				return strings.Replace(doc, "  ejudge_log: ejudge_log\n", "  ejudge_log: \"\"\n", 1)
			},
			"files.ejudge_log",
		},
		{
			"zero interval",
			func(doc string) string {
				return strings.Replace(doc, "  interval: 2\n", "  interval: 0\n", 1)
			},
			"behaviour.interval",
		},
		{
			"multiplier below one",
			func(doc string) string {
				return strings.Replace(doc, "  time_multiplier: 1.5\n", "  time_multiplier: 0.5\n", 1)
			},
			"time_multiplier",
		},
		{
			"comment cap below three",
			func(doc string) string {
				return strings.Replace(doc, "  checker_comment_max_len: 255\n", "  checker_comment_max_len: 2\n", 1)
			},
			"checker_comment_max_len",
		},
		{
			"unknown logging mode",
			func(doc string) string {
				return strings.Replace(doc, "  mode: json\n", "  mode: xml\n", 1)
			},
			"logging.mode",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.mutate)
		_, err := Load(path)
		if err == nil {
			t.Errorf("%s: Load succeeded, want error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

// TestLoad_EmptyToolchainDirIsFatal verifies a registry scan failure is a
// config failure.
func TestLoad_EmptyToolchainDirIsFatal(t *testing.T) {
	var compilersDir string
	path := writeConfig(t, func(doc string) string { return doc })
	// Empty the compilers dir after writeConfig seeded it.
	compilersDir = filepath.Join(filepath.Dir(path), "compilers")
	if err := os.Remove(filepath.Join(compilersDir, "default")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load with empty compilers dir succeeded, want error")
	}
}
