package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OriginLists is the layout of the file named by cors.origin_lists_file.
type OriginLists struct {
	Blacklist []string `yaml:"blacklist"`
	Whitelist []string `yaml:"whitelist"`
}

func loadOriginLists(path string) (*OriginLists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var lists OriginLists
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	lists.Blacklist = normalizeOrigins(lists.Blacklist)
	lists.Whitelist = normalizeOrigins(lists.Whitelist)
	return &lists, nil
}

// normalizeOrigins trims entries and drops blanks. Case is kept: origins are
// compared exactly as browsers send them.
func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
