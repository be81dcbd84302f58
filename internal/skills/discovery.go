package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Discover walks root per the on-disk layout in spec §6:
//
//	<root>/tools/<tool>/config.json
//	<root>/agents/<agent>/config.json (+ optional mcp.json)
//	<root>/commands/<cmd>/config.json
//
// Each subdirectory carrying a config.json is one skill. Missing kind
// directories are skipped, not an error — a deployment may have no agents.
func Discover(root string) ([]*Descriptor, error) {
	var all []*Descriptor
	for dir, kind := range map[string]Kind{
		"tools":    KindTool,
		"agents":   KindAgent,
		"commands": KindCommand,
	} {
		descs, err := discoverKind(filepath.Join(root, dir), kind)
		if err != nil {
			return nil, err
		}
		all = append(all, descs...)
	}
	return all, nil
}

func discoverKind(dir string, kind Kind) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", dir, err)
	}

	var out []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(dir, entry.Name())
		configPath := filepath.Join(skillDir, "config.json")
		raw, err := os.ReadFile(configPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("skills: read %s: %w", configPath, err)
		}

		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("skills: parse %s: %w", configPath, err)
		}
		d.Kind = kind
		d.Dir = skillDir
		if d.Name == "" {
			d.Name = entry.Name()
		}

		if kind == KindAgent {
			mcpPath := filepath.Join(skillDir, "mcp.json")
			if _, err := os.Stat(mcpPath); err == nil {
				d.MCPConfig = mcpPath
			}
		}

		out = append(out, &d)
	}
	return out, nil
}

// snapshotFingerprint computes the {dir -> mtimes} fingerprint the hot
// reload loop diffs against the previous tick, per §4.3: "at each tick; if
// it differs from the last snapshot the registry atomically rebuilds."
func snapshotFingerprint(root string) (map[string]int64, error) {
	fp := make(map[string]int64)
	for _, sub := range []string{"tools", "agents", "commands"} {
		base := filepath.Join(root, sub)
		entries, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("skills: fingerprint %s: %w", base, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			for _, fname := range []string{"config.json", "handler.go", "prompt.md", "mcp.json"} {
				fpath := filepath.Join(dir, fname)
				info, err := os.Stat(fpath)
				if err != nil {
					continue
				}
				fp[fpath] = info.ModTime().UnixNano()
			}
		}
	}
	return fp, nil
}
