package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/bacnet-hub/internal/store"
)

// entriesFile is the on-disk shape of hub.entries_file.
type entriesFile struct {
	Entries []store.Entry `yaml:"entries"`
}

// LoadEntries reads the seed entries listed in hub.entries_file.
//
// Fields an entry leaves empty take the hub defaults: instance, address,
// object name, description, and labels. An empty path yields a single
// entry built from the defaults with ID "default".
//
// Returns:
//   - []store.Entry: Normalized and validated entries
//   - error: If the file cannot be read or an entry is invalid
func (c *Config) LoadEntries() ([]store.Entry, error) {
	if c.Hub.EntriesFile == "" {
		e := c.entryDefaults()
		e.ID = "default"
		e.Normalize()
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return []store.Entry{e}, nil
	}

	data, err := os.ReadFile(c.Hub.EntriesFile)
	if err != nil {
		return nil, fmt.Errorf("reading entries file: %w", err)
	}
	var f entriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing entries file: %w", err)
	}

	out := make([]store.Entry, 0, len(f.Entries))
	seen := make(map[string]bool, len(f.Entries))
	for i, raw := range f.Entries {
		e := c.entryDefaults()
		e.ID = raw.ID
		e.Title = raw.Title
		if raw.Instance != 0 {
			e.Instance = raw.Instance
		}
		if raw.Address != "" {
			e.Address = raw.Address
		}
		if raw.ObjectName != "" {
			e.ObjectName = raw.ObjectName
		}
		if raw.Description != "" {
			e.Description = raw.Description
		}
		if raw.Labels != nil {
			e.Labels = raw.Labels
		}
		if e.ID == "" {
			return nil, fmt.Errorf("entries[%d]: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("entries[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		e.Normalize()
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Config) entryDefaults() store.Entry {
	return store.Entry{
		Instance:    uint32(c.Hub.DefaultInstance), //nolint:gosec // G115: validated against bacnet.MaxInstance
		Address:     c.Hub.DefaultAddress,
		ObjectName:  c.Hub.ObjectName,
		Description: c.Hub.Description,
		Labels:      append([]string(nil), c.Hub.Labels...),
	}
}
