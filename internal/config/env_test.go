package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEnvFile_missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	keys := []string{"ECHODL_T_PLAIN", "ECHODL_T_EXPORT", "ECHODL_T_QUOTED", "ECHODL_T_SINGLE", "ECHODL_T_COMMENT", "ECHODL_T_SET", "ECHODL_T_OPEN"}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
	t.Setenv("ECHODL_T_SET", "from-shell")

	path := writeEnv(t, `# settings
ECHODL_T_PLAIN=plain
export ECHODL_T_EXPORT = exported
ECHODL_T_QUOTED="hello # world"
ECHODL_T_SINGLE='single'
ECHODL_T_COMMENT=value # trailing
ECHODL_T_SET=from-file
ECHODL_T_OPEN="unterminated
not a pair
=novalue
`)
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"ECHODL_T_PLAIN":   "plain",
		"ECHODL_T_EXPORT":  "exported",
		"ECHODL_T_QUOTED":  "hello # world",
		"ECHODL_T_SINGLE":  "single",
		"ECHODL_T_COMMENT": "value",
		"ECHODL_T_SET":     "from-shell",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if _, ok := os.LookupEnv("ECHODL_T_OPEN"); ok {
		t.Error("unterminated quote should be skipped")
	}
}
