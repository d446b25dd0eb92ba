package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets the variables from a KEY=value file that are not already
// set to a non-empty value, and returns how many it set. Meant for local
// runs; deployments pass ACCOUNTDELETE_* through the environment.
func loadDotenv(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	applied := 0
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, val, ok, err := parseDotenvLine(sc.Text())
		if err != nil {
			return applied, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		if cur, set := os.LookupEnv(key); set && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		applied++
	}
	return applied, sc.Err()
}

// parseDotenvLine returns ok=false for blank and comment lines.
func parseDotenvLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("missing '='")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("empty key")
	}

	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		val, err = strconv.Unquote(val)
		if err != nil {
			return "", "", false, err
		}
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		val = val[1 : len(val)-1]
	default:
		if i := strings.Index(val, " #"); i >= 0 {
			val = strings.TrimSpace(val[:i])
		}
	}
	return key, val, true, nil
}
