// Package catalog holds the static resource → entitlement table. A
// resource is a purchasable product name as it appears in processor line
// items; entitlements are opaque role identifiers from the community's
// authorization system.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyDefinition = errors.New("catalog: empty definition")

// Entry maps one resource name to the entitlement ids it grants.
type Entry struct {
	Name         string
	Entitlements []string
}

// Catalog is an ordered, immutable set of entries. Order matters: Match
// resolves ties in favor of the first configured entry.
type Catalog struct {
	entries []Entry
	byName  map[string]int
}

// Parse builds a Catalog from a definition of the form
//
//	name:role1,role2;othername:role3
//
// Resource names are normalized to lower case. When the same normalized
// name appears twice the last occurrence wins, keeping its original
// position in the order.
func Parse(definition string) (*Catalog, error) {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return nil, ErrEmptyDefinition
	}

	c := &Catalog{byName: make(map[string]int)}
	for _, part := range strings.Split(definition, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, roles, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("catalog: entry %q missing ':' separator", part)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("catalog: entry %q has empty resource name", part)
		}
		var ents []string
		for _, role := range strings.Split(roles, ",") {
			role = strings.TrimSpace(role)
			if role != "" {
				ents = append(ents, role)
			}
		}
		if len(ents) == 0 {
			return nil, fmt.Errorf("catalog: resource %q grants no entitlements", name)
		}
		entry := Entry{Name: name, Entitlements: ents}
		if idx, dup := c.byName[name]; dup {
			c.entries[idx] = entry
			continue
		}
		c.byName[name] = len(c.entries)
		c.entries = append(c.entries, entry)
	}
	if len(c.entries) == 0 {
		return nil, ErrEmptyDefinition
	}
	return c, nil
}

// Len returns the number of configured resources.
func (c *Catalog) Len() int { return len(c.entries) }

// Resolve returns the entitlement ids granted by the named resource.
// Lookup is case-insensitive; the second result is false for unknown names.
func (c *Catalog) Resolve(name string) ([]string, bool) {
	idx, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	ents := c.entries[idx].Entitlements
	out := make([]string, len(ents))
	copy(out, ents)
	return out, true
}

// Match scans the configured resources in order and returns the first
// whose name appears as a case-insensitive substring of the given free
// text. Line-item text is merchant-formatted, so substring matching is
// intentionally permissive; ties resolve to the first configured entry.
func (c *Catalog) Match(freeText string) (string, bool) {
	text := strings.ToLower(freeText)
	for _, e := range c.entries {
		if strings.Contains(text, e.Name) {
			return e.Name, true
		}
	}
	return "", false
}

// Entitlements returns every grantable entitlement id in configured
// order, deduplicated.
func (c *Catalog) Entitlements() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c.entries {
		for _, ent := range e.Entitlements {
			if _, ok := seen[ent]; ok {
				continue
			}
			seen[ent] = struct{}{}
			out = append(out, ent)
		}
	}
	return out
}

// Fingerprint returns the ordered resource names. The purchase index
// stores this snapshot; a mismatch on a later run forces a full rescan.
func (c *Catalog) Fingerprint() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Name
	}
	return out
}
