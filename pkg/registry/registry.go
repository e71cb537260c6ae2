// Package registry keeps the durable agent discovery files shared with
// companion processes: agent name to last-known session id, agent name to
// unread chat message ids, and name to external activation target. The live session manager stays authoritative;
// these files are rewritten whole on every change.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/pkg/history"
)

const (
	agentsFile        = "agents.json"
	notificationsFile = "notifications.json"
	targetsFile       = "targets.json"
)

// ErrInvalidName is returned for names that cannot be registered.
var ErrInvalidName = errors.New("invalid agent name")

// Agent is one entry of the agents file.
type Agent struct {
	Name         string    `json:"name"`
	SessionID    string    `json:"sessionId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type agentsStore struct {
	Agents map[string]Agent `json:"agents"`
}

type notificationsStore struct {
	Unread map[string][]int64 `json:"unread"`
}

type targetsStore struct {
	Targets map[string]string `json:"targets"`
}

// Registry reads and writes the discovery files in one directory. Every
// operation reloads from disk so writes by other processes are seen.
type Registry struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// New creates a registry rooted at dir. The directory is created on first
// write.
func New(dir string) (*Registry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("registry directory is required")
	}
	return &Registry{dir: dir, now: time.Now}, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string {
	return r.dir
}

func validName(name string) error {
	if err := history.ValidateAgentName(name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Register records the session id currently serving name.
func (r *Registry) Register(name, sessionID string) error {
	if err := validName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadAgents()
	if err != nil {
		return err
	}
	store.Agents[name] = Agent{Name: name, SessionID: sessionID, RegisteredAt: r.now()}
	return writeJSONFile(r.path(agentsFile), store)
}

// Unregister removes name from the agents file. Unknown names are not an
// error.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadAgents()
	if err != nil {
		return err
	}
	if _, ok := store.Agents[name]; !ok {
		return nil
	}
	delete(store.Agents, name)
	return writeJSONFile(r.path(agentsFile), store)
}

// Lookup returns the last-known session id for name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadAgents()
	if err != nil {
		return "", false
	}
	agent, ok := store.Agents[name]
	return agent.SessionID, ok
}

// Agents returns every registered agent sorted by name.
func (r *Registry) Agents() ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadAgents()
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(store.Agents))
	for _, agent := range store.Agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// AddUnread records a chat message id the agent has not acknowledged yet.
func (r *Registry) AddUnread(name string, messageID int64) error {
	if err := validName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadNotifications()
	if err != nil {
		return err
	}
	for _, id := range store.Unread[name] {
		if id == messageID {
			return nil
		}
	}
	store.Unread[name] = append(store.Unread[name], messageID)
	return writeJSONFile(r.path(notificationsFile), store)
}

// Unread returns the unread message ids for name in the order recorded.
func (r *Registry) Unread(name string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadNotifications()
	if err != nil {
		return nil
	}
	return append([]int64(nil), store.Unread[name]...)
}

// ClearUnread drops every unread id for name and returns how many there were.
func (r *Registry) ClearUnread(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.loadNotifications()
	if err != nil {
		return 0, err
	}
	count := len(store.Unread[name])
	if count == 0 {
		return 0, nil
	}
	delete(store.Unread, name)
	return count, writeJSONFile(r.path(notificationsFile), store)
}

// SetTarget records the activation target (a tmux pane or session) for
// name. An empty target removes the entry.
func (r *Registry) SetTarget(name, target string) error {
	if err := validName(name); err != nil {
		return err
	}
	target = strings.TrimSpace(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	store := targetsStore{}
	if err := readJSONFile(r.path(targetsFile), &store); err != nil {
		return err
	}
	if store.Targets == nil {
		store.Targets = make(map[string]string)
	}
	if target == "" {
		if _, ok := store.Targets[name]; !ok {
			return nil
		}
		delete(store.Targets, name)
	} else {
		store.Targets[name] = target
	}
	return writeJSONFile(r.path(targetsFile), store)
}

// Target returns the activation target recorded for name.
func (r *Registry) Target(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store := targetsStore{}
	if err := readJSONFile(r.path(targetsFile), &store); err != nil {
		return "", false
	}
	target, ok := store.Targets[name]
	return target, ok && target != ""
}

func (r *Registry) path(file string) string {
	return filepath.Join(r.dir, file)
}

func (r *Registry) loadAgents() (agentsStore, error) {
	store := agentsStore{}
	if err := readJSONFile(r.path(agentsFile), &store); err != nil {
		return agentsStore{}, err
	}
	if store.Agents == nil {
		store.Agents = make(map[string]Agent)
	}
	return store, nil
}

func (r *Registry) loadNotifications() (notificationsStore, error) {
	store := notificationsStore{}
	if err := readJSONFile(r.path(notificationsFile), &store); err != nil {
		return notificationsStore{}, err
	}
	if store.Unread == nil {
		store.Unread = make(map[string][]int64)
	}
	return store, nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONFile(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
