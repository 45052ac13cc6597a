package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileKeys are the keys Load reads out of a YAML config file rather than
// deriving from flags/env, mirroring the teacher's YamlOnlyKeys split
// between startup settings and everything else.
var fileKeys = map[string]bool{
	"socket_path":      true,
	"event_store_path": true,
	"lldb_dap_path":    true,
	"max_conns":        true,
	"max_outstanding":  true,
	"request_timeout":  true,
	"attach_deadline":  true,
}

// IsFileKey reports whether key is one Load reads from the YAML config
// file (as opposed to a flag-only or env-only setting).
func IsFileKey(key string) bool {
	return fileKeys[key]
}

// WriteDefault writes a starter config file holding the default values
// (without comments) to path if one does not already exist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	doc := &yaml.Node{}
	if err := doc.Encode(map[string]interface{}{
		"socket_path":      defaultSocketPath,
		"event_store_path": defaultEventStorePath,
		"lldb_dap_path":    "",
		"max_conns":        defaultMaxConns,
		"max_outstanding":  defaultMaxOutstanding,
		"request_timeout":  defaultRequestTimeout.String(),
		"attach_deadline":  defaultAttachDeadline.String(),
	}); err != nil {
		return fmt.Errorf("config: encoding default yaml: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshaling default yaml: %w", err)
	}
	return os.WriteFile(path, out, 0600)
}

// SetKey updates key in the YAML file at path in place, preserving
// surrounding lines and uncommenting the key if it was commented out —
// the same in-place-update strategy as the teacher's updateYamlKey.
func SetKey(path, key, value string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	newLine := fmt.Sprintf("%s: %s", key, value)
	keyPattern := regexp.MustCompile(`^(\s*)(#\s*)?` + regexp.QuoteMeta(key) + `\s*:`)

	found := false
	var result []string
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		line := scanner.Text()
		if keyPattern.MatchString(line) {
			indent := keyPattern.FindStringSubmatch(line)[1]
			result = append(result, indent+newLine)
			found = true
			continue
		}
		result = append(result, line)
	}
	if !found {
		result = append(result, newLine)
	}

	return os.WriteFile(path, []byte(strings.Join(result, "\n")+"\n"), 0600)
}
