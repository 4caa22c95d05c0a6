package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg, err := Load(Source{Getenv: envMap(map[string]string{EnvRoot: root})})
	require.NoError(t, err)

	want := Default()
	want.Root = root
	require.Equal(t, want, cfg)
	require.Equal(t, 50, cfg.MaxSnapshots)
	require.Equal(t, 1<<20, cfg.MaxDiffSize)
	require.Equal(t, 5, cfg.FuzzLines)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	yamlBody := "" +
		"snapshot_dir: backups\n" +
		"max_snapshots: 10\n" +
		"fuzz_lines: 3\n" +
		"deny_patterns:\n  - '\\.tfstate$'\n" +
		"log_level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultFileName), []byte(yamlBody), 0o644))

	cfg, err := Load(Source{Getenv: envMap(map[string]string{
		EnvRoot:         root,
		EnvMaxSnapshots: "7",
		EnvDenyGlobs:    "**/*.sqlite; build/**",
		EnvDigest:       "blake3",
		EnvNoMetrics:    "true",
	})})
	require.NoError(t, err)

	require.Equal(t, "backups", cfg.SnapshotDir)
	require.Equal(t, 7, cfg.MaxSnapshots)
	require.Equal(t, 3, cfg.FuzzLines)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "blake3", cfg.SnapshotDigest)
	require.True(t, cfg.DisableMetrics)
	require.Equal(t, []string{`\.tfstate$`}, cfg.DenyPatterns)
	require.Equal(t, []string{"**/*.sqlite", "build/**"}, cfg.DenyGlobs)

	denylist, err := cfg.Denylist()
	require.NoError(t, err)
	require.True(t, denylist.IsDenied("infra/prod.tfstate"))
	require.True(t, denylist.IsDenied("data/app.sqlite"))
	require.True(t, denylist.IsDenied(".env"))
	require.False(t, denylist.IsDenied("main.go"))
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	t.Parallel()

	_, err := Load(Source{File: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)

	_, err = Load(Source{Getenv: envMap(map[string]string{EnvConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})})
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"non numeric":     {EnvMaxSnapshots: "many"},
		"zero retention":  {EnvMaxSnapshots: "0"},
		"negative fuzz":   {EnvFuzzLines: "-1"},
		"unknown digest":  {EnvDigest: "md5"},
		"unknown level":   {EnvLogLevel: "loud"},
		"bad pattern":     {EnvDenyPatterns: "("},
		"bad glob":        {EnvDenyGlobs: "[a-"},
		"zero diff limit": {EnvMaxDiffSize: "0"},
		"metrics switch":  {EnvNoMetrics: "sometimes"},
	}
	for name, env := range cases {
		name, env := name, env
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env[EnvRoot] = t.TempDir()
			_, err := Load(Source{Getenv: envMap(env)})
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_snapshots: [unterminated\n"), 0o644))
	_, err := Load(Source{File: path})
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{`a{1,2}`, "b", "c"}, splitList("a{1,2}; b\n c ;;"))
}
