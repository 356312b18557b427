package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFile applies KEY=value lines from a .env file to the process
// environment. Variables already set in the environment win, so a shell
// export always overrides the file. A missing file is not an error.
//
// Accepted syntax: blank lines, # comments, an optional "export " prefix,
// single or double quoted values, and trailing " #" comments on unquoted
// values.
func LoadEnvFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if q, closed, quoted := quotedValue(value); quoted {
		return key, q, closed
	}
	if i := strings.Index(value, " #"); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return key, value, true
}

// quotedValue unwraps a value starting with a quote. closed is false when
// the closing quote is missing.
func quotedValue(v string) (s string, closed, quoted bool) {
	if v == "" || (v[0] != '"' && v[0] != '\'') {
		return "", false, false
	}
	end := strings.IndexByte(v[1:], v[0])
	if end < 0 {
		return "", false, true
	}
	return v[1 : end+1], true, true
}
