// Package file provides file-based persistence storing one JSON document per entity.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/deskflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
	mu   sync.RWMutex

	channels    *ChannelRepository
	cursors     *CursorRepository
	automations *AutomationRepository
	logs        *AutomationLogRepository
	chats       *ChatRepository
	schedules   *ScheduleRepository
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	fp := &Persistence{root: cleanRoot}
	fp.channels = &ChannelRepository{store: fp.collection("channels")}
	fp.cursors = &CursorRepository{store: fp.collection("cursors")}
	fp.automations = &AutomationRepository{store: fp.collection("automations")}
	fp.logs = &AutomationLogRepository{store: fp.collection("automation_logs")}
	fp.chats = &ChatRepository{chats: fp.collection("chats"), clients: fp.collection("clients")}
	fp.schedules = &ScheduleRepository{store: fp.collection("schedules")}

	return fp
}

func (fp *Persistence) ChannelRepository() persistence.ChannelRepository {
	return fp.channels
}

func (fp *Persistence) CursorRepository() persistence.CursorRepository {
	return fp.cursors
}

func (fp *Persistence) AutomationRepository() persistence.AutomationRepository {
	return fp.automations
}

func (fp *Persistence) AutomationLogRepository() persistence.AutomationLogRepository {
	return fp.logs
}

func (fp *Persistence) ChatRepository() persistence.ChatRepository {
	return fp.chats
}

func (fp *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return fp.schedules
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) collection(name string) *collection {
	return &collection{dir: filepath.Join(fp.root, name), mu: &fp.mu}
}

// collection is a directory holding one JSON file per entity. All collections of a
// Persistence share one lock so read-modify-write sequences stay consistent.
type collection struct {
	dir string
	mu  *sync.RWMutex
}

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return errors.New("id contains invalid characters")
	}

	return nil
}

func (c *collection) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// write must be called with the lock held.
func (c *collection) write(id string, value any) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(c.dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp := c.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := os.Rename(tmp, c.path(id)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", id, err)
	}

	return nil
}

// read must be called with the lock held. It returns os.ErrNotExist for missing entities.
func (c *collection) read(id string, target any) error {
	if err := validateID(id); err != nil {
		return err
	}

	data, err := os.ReadFile(c.path(id))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return nil
}

// ids must be called with the lock held.
func (c *collection) ids() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read directory %s: %w", c.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}

	return ids, nil
}

// readAll decodes every entity of a collection. It must be called with the lock held.
func readAll[T any](c *collection) ([]*T, error) {
	ids, err := c.ids()
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, len(ids))
	for _, id := range ids {
		item := new(T)
		if err := c.read(id, item); err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, nil
}

// get reads one entity, translating a missing file into notFound.
func get[T any](c *collection, id string, notFound error) (*T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item := new(T)
	if err := c.read(id, item); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound
		}

		return nil, err
	}

	return item, nil
}

// filter returns the entities of a collection matching keep.
func filter[T any](c *collection, keep func(*T) bool) ([]*T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items, err := readAll[T](c)
	if err != nil {
		return nil, err
	}

	matched := make([]*T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			matched = append(matched, item)
		}
	}

	return matched, nil
}

func save(c *collection, id string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.write(id, value)
}
