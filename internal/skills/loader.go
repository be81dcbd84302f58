package skills

import (
	"fmt"
	"reflect"
)

// Loader ties together filesystem discovery and the registry's atomic
// reload, and is the unit the hotreload package drives on a tick.
type Loader struct {
	Root     string
	Registry *Registry

	lastFingerprint map[string]int64
}

// NewLoader builds a loader over root, performing the initial synchronous
// load so the registry is populated before serving any request.
func NewLoader(root string) (*Loader, error) {
	l := &Loader{Root: root, Registry: NewRegistry()}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Changed reports whether the on-disk fingerprint differs from the last
// successful load, without rebuilding the registry. The hotreload poller
// calls this every tick and only invokes Reload when it returns true.
func (l *Loader) Changed() (bool, error) {
	fp, err := snapshotFingerprint(l.Root)
	if err != nil {
		return false, err
	}
	return !reflect.DeepEqual(fp, l.lastFingerprint), nil
}

// Reload re-discovers every skill under Root and atomically swaps the
// registry's lookup maps.
func (l *Loader) Reload() error {
	descs, err := Discover(l.Root)
	if err != nil {
		return fmt.Errorf("skills: reload: %w", err)
	}
	fp, err := snapshotFingerprint(l.Root)
	if err != nil {
		return fmt.Errorf("skills: reload fingerprint: %w", err)
	}
	l.Registry.Reload(descs)
	l.lastFingerprint = fp
	return nil
}
