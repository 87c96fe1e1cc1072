// Package role defines role identity, naming conventions, and the per-role
// metadata file stored in the role's configuration directory.
package role

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// MetaFileName is the role metadata file inside the role directory.
const MetaFileName = "role-meta.yaml"

// ConfigFileName is the gateway-mode configuration file inside the role
// directory.
const ConfigFileName = "proxy.conf"

// ApplyScriptName is the executable apply script inside the role directory.
const ApplyScriptName = "apply-proxy.sh"

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks a role name against the naming rules: lowercase
// letters, digits, underscores, and hyphens, at most 32 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("role name must contain only lowercase letters, numbers, underscores, and hyphens")
	}
	if len(name) > 32 {
		return fmt.Errorf("role name must be 32 characters or less")
	}
	return nil
}

// NormalizeName lowercases a role name and strips whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dir returns the configuration directory for a role.
func Dir(cfgRoot, role string) string {
	return filepath.Join(cfgRoot, role)
}

// Exists reports whether a role is present under the configuration root.
// Presence of the metadata or gateway config file is the authoritative
// existence check.
func Exists(cfgRoot, role string) bool {
	dir := Dir(cfgRoot, role)
	for _, f := range []string{MetaFileName, ConfigFileName} {
		if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
			return true
		}
	}
	return false
}

// Discover lists role names under the configuration root, sorted. A
// directory counts as a role when it holds a metadata or gateway config
// file.
func Discover(cfgRoot string) ([]string, error) {
	entries, err := os.ReadDir(cfgRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config root: %w", err)
	}

	var roles []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if Exists(cfgRoot, entry.Name()) {
			roles = append(roles, entry.Name())
		}
	}
	sort.Strings(roles)
	return roles, nil
}
