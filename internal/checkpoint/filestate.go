package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps run state in a single YAML file.
// Meant for headless single-node deployments where SQLite is impractical.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Runs map[string]*RunState `yaml:"runs"`
}

// NewFileState creates a file-based state store.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		state: &fileStateData{
			Runs: make(map[string]*RunState),
		},
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.Runs == nil {
			fs.state.Runs = make(map[string]*RunState)
		}
	}

	return fs, nil
}

// save writes the current state to the YAML file via a temp file and rename.
func (fs *FileStore) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Get returns the state for a run.
func (fs *FileStore) Get(_ context.Context, id string) (*RunState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	st, ok := fs.state.Runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// Create inserts a new run state.
func (fs *FileStore) Create(_ context.Context, st *RunState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Runs[st.ID]; ok {
		return ErrExists
	}
	st.Version = 1
	st.LastUpdatedAt = now()
	fs.state.Runs[st.ID] = st.Clone()
	if err := fs.save(); err != nil {
		delete(fs.state.Runs, st.ID)
		return err
	}
	return nil
}

// Update writes st if the stored version still matches.
func (fs *FileStore) Update(_ context.Context, st *RunState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prev, ok := fs.state.Runs[st.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Version != st.Version {
		return ErrConflict
	}
	if err := validateUpdate(prev, st); err != nil {
		return err
	}

	next := st.Clone()
	next.Version = prev.Version + 1
	next.LastUpdatedAt = now()
	fs.state.Runs[st.ID] = next
	if err := fs.save(); err != nil {
		fs.state.Runs[st.ID] = prev
		return err
	}
	st.Version = next.Version
	st.LastUpdatedAt = next.LastUpdatedAt
	return nil
}

// Delete removes a run state.
func (fs *FileStore) Delete(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prev, ok := fs.state.Runs[id]
	if !ok {
		return ErrNotFound
	}
	delete(fs.state.Runs, id)
	if err := fs.save(); err != nil {
		fs.state.Runs[id] = prev
		return err
	}
	return nil
}

// List returns every run state ordered by id.
func (fs *FileStore) List(_ context.Context) ([]*RunState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	states := make([]*RunState, 0, len(fs.state.Runs))
	for _, st := range fs.state.Runs {
		states = append(states, st.Clone())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}

// Close is a no-op for file state.
func (fs *FileStore) Close() error {
	return nil
}

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)
