package freshness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"compliancegraph/internal/domain"
)

// LastRunKey holds the completion time of the last successful run.
const LastRunKey = "lastRun"

// State is the persisted freshness record: artifact name to the last
// successfully processed version marker.
type State struct {
	markers map[string]domain.Marker
}

// NewState returns a state holding a copy of markers.
func NewState(markers map[string]domain.Marker) *State {
	s := &State{markers: make(map[string]domain.Marker, len(markers))}
	maps.Copy(s.markers, markers)
	return s
}

// LoadState reads the state file at path. A missing file yields defaults.
// An unreadable or invalid file is treated as no prior state: defaults are
// returned and immediately written back so the next run sees a valid file.
// A stored marker whose variant differs from its default is corrupt too;
// only that entry is reset and the file is rewritten.
func LoadState(path string, defaults map[string]domain.Marker, logger *slog.Logger) *State {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no freshness state yet", "path", path)
		return NewState(defaults)
	}
	if err == nil {
		var markers map[string]domain.Marker
		if err = json.Unmarshal(data, &markers); err == nil {
			s := NewState(defaults)
			reset := 0
			for name, m := range markers {
				if def, ok := defaults[name]; ok && def.IsMonthly() != m.IsMonthly() {
					logger.Warn("freshness marker has the wrong variant, resetting",
						"path", path, "artifact", name, "marker", m.String())
					reset++
					continue
				}
				s.markers[name] = m
			}
			if reset > 0 {
				if err := s.Save(path); err != nil {
					logger.Error("rewrite freshness state", "path", path, "err", err)
				}
			}
			return s
		}
	}

	logger.Warn("freshness state corrupt, resetting to defaults", "path", path, "err", err)
	s := NewState(defaults)
	if err := s.Save(path); err != nil {
		logger.Error("rewrite freshness state", "path", path, "err", err)
	}
	return s
}

// Get returns the marker stored for name, or the zero marker.
func (s *State) Get(name string) domain.Marker {
	return s.markers[name]
}

// Names returns the tracked artifact names in sorted order.
func (s *State) Names() []string {
	return slices.Sorted(maps.Keys(s.markers))
}

// Advance stores m for name. A marker older than the stored one, or of a
// different variant than a stored non-zero marker, is rejected with
// ErrMarkerRegression; an equal marker is a no-op.
func (s *State) Advance(name string, m domain.Marker) error {
	if m.IsZero() {
		return fmt.Errorf("advance %s: empty marker", name)
	}
	cur := s.markers[name]
	if !cur.IsZero() && cur.IsMonthly() != m.IsMonthly() {
		return fmt.Errorf("advance %s from %s to %s: variant change: %w", name, cur, m, domain.ErrMarkerRegression)
	}
	if c, ok := m.Compare(cur); ok && c < 0 {
		return fmt.Errorf("advance %s from %s to %s: %w", name, cur, m, domain.ErrMarkerRegression)
	}
	s.markers[name] = m
	return nil
}

// LastRun returns the time of the last successful run, if any.
func (s *State) LastRun() (time.Time, bool) {
	m := s.markers[LastRunKey]
	if m.IsZero() || m.IsMonthly() || m.Time().Equal(time.Unix(0, 0)) {
		return time.Time{}, false
	}
	return m.Time(), true
}

// Save writes the state atomically: a temp file in the same directory is
// written and synced, then renamed over path.
func (s *State) Save(path string) error {
	tmp, err := s.writeTemp(path)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit freshness state: %w", err)
	}
	return nil
}

func (s *State) writeTemp(path string) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(s.markers, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal freshness state: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp state: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp state: %w", err)
	}
	return name, nil
}
