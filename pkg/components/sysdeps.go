package components

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ParseSystemDependencies reads Moonraker's system-dependencies.json, which
// maps distribution names to package lists. Entries may carry version
// constraints after a semicolon ("python3-dev; distro_version >= 11"); the
// constraint is evaluated by the target system's package manager, so only
// the package name is kept here.
func ParseSystemDependencies(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	deps := make(map[string][]string, len(raw))
	for distro, packages := range raw {
		cleaned := make([]string, 0, len(packages))
		for _, pkg := range packages {
			name := strings.TrimSpace(strings.SplitN(pkg, ";", 2)[0])
			if name != "" {
				cleaned = append(cleaned, name)
			}
		}
		deps[distro] = cleaned
	}
	return deps, nil
}

// DependenciesForDistro picks the matching package list. An Alpine-family
// host without its own section falls back to the Debian list, whose names
// syspkg translates for apk.
func DependenciesForDistro(deps map[string][]string, distro string) []string {
	if packages, ok := deps[distro]; ok && len(packages) > 0 {
		return packages
	}
	if distro == "alpine" {
		return deps["debian"]
	}
	return nil
}
