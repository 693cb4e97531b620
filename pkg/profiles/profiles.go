// Package profiles defines named bundles of worker definitions that can be
// activated as a unit. Built-in bundles ship embedded in the binary;
// user-defined bundles are persisted by the store. Built-ins shadow
// same-named user bundles and can be neither overwritten nor deleted.
package profiles

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// Entry is one worker definition inside a bundle. Entries are always stdio
// workers; network workers are declared individually.
type Entry struct {
	Name        string            `json:"name" yaml:"name"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Config converts the entry to a declarable worker config.
func (e *Entry) Config() *workers.Config {
	return &workers.Config{
		Name:        e.Name,
		Transport:   workers.TransportStdio,
		Command:     e.Command,
		Args:        append([]string(nil), e.Args...),
		Env:         e.Env,
		Description: e.Description,
	}
}

// Bundle is a named group of worker entries.
type Bundle struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Entries     []Entry `json:"entries" yaml:"entries"`
	// BuiltIn marks bundles loaded from the embedded descriptor. Never
	// persisted.
	BuiltIn bool `json:"built_in,omitempty" yaml:"-"`
}

// Validate checks a user-supplied bundle.
func (b *Bundle) Validate() error {
	if !workers.ValidName(b.Name) {
		return fmt.Errorf("invalid profile name %q", b.Name)
	}
	if len(b.Entries) == 0 {
		return fmt.Errorf("profile %q has no entries", b.Name)
	}
	for _, entry := range b.Entries {
		if !workers.ValidName(entry.Name) {
			return fmt.Errorf("profile %q: invalid entry name %q", b.Name, entry.Name)
		}
		if entry.Command == "" {
			return fmt.Errorf("profile %q: entry %q has no command", b.Name, entry.Name)
		}
	}
	return nil
}

//go:embed builtins.yaml
var builtinsYAML []byte

// builtinDescriptor matches the embedded descriptor file layout.
type builtinDescriptor struct {
	Profiles []Bundle `yaml:"profiles"`
}

// BuiltIns returns the embedded read-only bundles.
func BuiltIns() []Bundle {
	var desc builtinDescriptor
	if err := yaml.Unmarshal(builtinsYAML, &desc); err != nil {
		// The descriptor is compiled in; failing to parse it is a build
		// defect, not a runtime condition.
		panic(fmt.Sprintf("profiles: embedded descriptor is invalid: %v", err))
	}
	for i := range desc.Profiles {
		desc.Profiles[i].BuiltIn = true
	}
	return desc.Profiles
}

// IsBuiltIn reports whether name is taken by a built-in bundle.
func IsBuiltIn(name string) bool {
	for _, b := range BuiltIns() {
		if b.Name == name {
			return true
		}
	}
	return false
}

// Merge combines built-in and user bundles into one listing. Built-ins
// shadow same-named user bundles; the result is sorted by name.
func Merge(builtins, user []Bundle) []Bundle {
	seen := make(map[string]bool, len(builtins))
	merged := make([]Bundle, 0, len(builtins)+len(user))
	for _, b := range builtins {
		seen[b.Name] = true
		merged = append(merged, b)
	}
	for _, b := range user {
		if !seen[b.Name] {
			merged = append(merged, b)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged
}
