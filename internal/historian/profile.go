package historian

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML header on every profile markdown file.
type Frontmatter struct {
	EntityType    string    `yaml:"entity_type"`
	EntityID      string    `yaml:"entity_id"`
	Name          string    `yaml:"name"`
	Tags          []string  `yaml:"tags"`
	UpdatedAt     time.Time `yaml:"updated_at"`
	SourceEventID string    `yaml:"source_event_id"`
}

// Profile is one entity's memory: frontmatter plus a markdown body.
type Profile struct {
	Frontmatter Frontmatter
	Body        string
}

const emptyProfileSentinel = "(empty)"

// ProfileStorage manages per-(entity_type, entity_id) profile files on
// disk, grounded on internal/storage.HistoryStore's per-key-lock pattern
// (here a lock serializes one entity's backup-write-prune sequence rather
// than one chat's appends) and the teacher's write-temp-then-rename atomic
// file commit (pkg/context/document_store.go's saveIndexState).
type ProfileStorage struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProfileStorage roots profile storage at root/profiles.
func NewProfileStorage(root string) *ProfileStorage {
	return &ProfileStorage{
		root:  filepath.Join(root, "profiles"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *ProfileStorage) entityLock(entityType, entityID string) *sync.Mutex {
	key := entityType + ":" + entityID
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *ProfileStorage) profilePath(entityType, entityID string) string {
	return filepath.Join(s.root, entityType, entityID+".md")
}

func (s *ProfileStorage) historyDir(entityType, entityID string) string {
	return filepath.Join(s.root, entityType, entityID, "history")
}

// Read loads the current profile, or a profile with the "(empty)" body
// sentinel and zero-value frontmatter if none exists yet.
func (s *ProfileStorage) Read(entityType, entityID string) (*Profile, error) {
	path := s.profilePath(entityType, entityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{
				Frontmatter: Frontmatter{EntityType: entityType, EntityID: entityID},
				Body:        emptyProfileSentinel,
			}, nil
		}
		return nil, fmt.Errorf("historian: failed to read profile %s/%s: %w", entityType, entityID, err)
	}
	return parseProfile(data)
}

// Write atomically replaces the profile for (entityType, entityID): the
// prior version (if any) is snapshotted into history/ first, then the new
// frontmatter+body is written via temp-file-then-rename, then the history
// ring is pruned to snapshotCap entries. The whole sequence holds the
// entity's lock, matching §5's "(backup -> write -> prune) atomicity".
func (s *ProfileStorage) Write(entityType, entityID string, fm Frontmatter, body string, snapshotCap int) error {
	l := s.entityLock(entityType, entityID)
	l.Lock()
	defer l.Unlock()

	path := s.profilePath(entityType, entityID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("historian: failed to create profile dir: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := s.snapshot(entityType, entityID, existing, snapshotCap); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("historian: failed to read existing profile: %w", err)
	}

	fm.UpdatedAt = fm.UpdatedAt.UTC()
	data, err := renderProfile(fm, body)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("historian: failed to write profile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("historian: failed to commit profile: %w", err)
	}
	return nil
}

func (s *ProfileStorage) snapshot(entityType, entityID string, data []byte, cap int) error {
	dir := s.historyDir(entityType, entityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("historian: failed to create history dir: %w", err)
	}

	name := fmt.Sprintf("%020d.md", time.Now().UnixNano())
	snapPath := filepath.Join(dir, name)
	tmpPath := snapPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("historian: failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, snapPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("historian: failed to commit snapshot: %w", err)
	}

	return s.pruneHistory(dir, cap)
}

func (s *ProfileStorage) pruneHistory(dir string, cap int) error {
	if cap <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("historian: failed to list history dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= cap {
		return nil
	}
	sort.Strings(names) // nanosecond-prefixed names sort chronologically
	excess := len(names) - cap
	for i := 0; i < excess; i++ {
		os.Remove(filepath.Join(dir, names[i]))
	}
	return nil
}

// EffectiveName chooses the name to write back per §4.13: preferred_name
// from the caller, else the profile's existing frontmatter name, else a
// synthesized "UID:<id>"/"GID:<id>" placeholder. The model's own "name"
// output is never used for write-back.
func EffectiveName(preferredName, existingName, entityType, entityID string) string {
	if preferredName != "" {
		return preferredName
	}
	if existingName != "" {
		return existingName
	}
	prefix := "UID"
	if entityType == "group" {
		prefix = "GID"
	}
	return fmt.Sprintf("%s:%s", prefix, entityID)
}

func renderProfile(fm Frontmatter, body string) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("historian: failed to marshal frontmatter: %w", err)
	}
	var buf strings.Builder
	buf.WriteString("---\n")
	buf.Write(yamlBytes)
	buf.WriteString("---\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	return []byte(buf.String()), nil
}

func parseProfile(data []byte) (*Profile, error) {
	text := string(data)
	const delim = "---\n"
	if !strings.HasPrefix(text, delim) {
		return &Profile{Body: text}, nil
	}
	rest := text[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return &Profile{Body: text}, nil
	}
	yamlPart := rest[:end]
	body := rest[end+len("\n"+delim):]

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(yamlPart), &fm); err != nil {
		return nil, fmt.Errorf("historian: failed to parse profile frontmatter: %w", err)
	}
	return &Profile{Frontmatter: fm, Body: body}, nil
}
