package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadTargets loads token addresses for batch runs. YAML files may hold a
// plain list or a `targets:`/`addresses:` wrapper; anything else is read as
// text with one entry per line, where `#` and `//` start comments and only
// the first comma/space separated field counts. Entries are deduplicated
// case-insensitively and returned unvalidated.
func ReadTargets(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(path)))
	if ext == ".yaml" || ext == ".yml" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var list []string
		if err := yaml.Unmarshal(bs, &list); err == nil && len(list) > 0 {
			return uniqueTargets(list), nil
		}

		var wrapper struct {
			Targets   []string `yaml:"targets"`
			Addresses []string `yaml:"addresses"`
		}
		if err := yaml.Unmarshal(bs, &wrapper); err == nil {
			if len(wrapper.Targets) > 0 {
				return uniqueTargets(wrapper.Targets), nil
			}
			if len(wrapper.Addresses) > 0 {
				return uniqueTargets(wrapper.Addresses), nil
			}
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return uniqueTargets(lines), nil
}

func uniqueTargets(items []string) []string {
	out := uniqueNonEmpty(items, func(s string) string { return s })
	kept := out[:0]
	for _, v := range out {
		if strings.HasPrefix(v, "#") || strings.HasPrefix(v, "//") {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}
