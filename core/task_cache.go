package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const TaskCachePath = "taskcache.json"

// TaskCache persists a map of work items keyed by work key. Every persisted write happens under one
// mutex so concurrent read-modify-persist sequences never lose an update.
type TaskCache[T any] struct {
	store  KeyValueStore
	path   string
	mu     sync.Mutex
	logger hclog.Logger
}

func NewTaskCache[T any](store KeyValueStore, logger hclog.Logger) *TaskCache[T] {
	return &TaskCache[T]{
		store:  store,
		path:   TaskCachePath,
		logger: loggerOrNull(logger),
	}
}

// FetchTaskCache returns a snapshot of the persisted tasks. Missing or corrupt data is replaced by an
// empty map.
func (tc *TaskCache[T]) FetchTaskCache() (map[string]T, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.load()
}

func (tc *TaskCache[T]) SetTaskCache(tasks map[string]T) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.persist(tasks)
}

// Update runs fn on the current tasks and persists the result. Nothing is written if fn fails.
func (tc *TaskCache[T]) Update(fn func(tasks map[string]T) error) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tasks, err := tc.load()
	if err != nil {
		return err
	}

	if err := fn(tasks); err != nil {
		return err
	}

	return tc.persist(tasks)
}

func (tc *TaskCache[T]) Clear() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if err := tc.store.Delete(tc.path); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("could not delete task cache: %w", err)
	}

	return nil
}

func (tc *TaskCache[T]) load() (map[string]T, error) {
	data, err := tc.store.Get(tc.path)
	if err == nil {
		var tasks map[string]T

		if err = json.Unmarshal(data, &tasks); err == nil {
			if tasks == nil {
				tasks = map[string]T{}
			}

			return tasks, nil
		}
	}

	if !errors.Is(err, ErrNotFound) {
		tc.logger.Warn("task cache unreadable, resetting", "path", tc.path, "err", err)
	}

	tasks := map[string]T{}
	if err := tc.persist(tasks); err != nil {
		tc.logger.Error("could not reset task cache", "path", tc.path, "err", err)
	}

	return tasks, nil
}

func (tc *TaskCache[T]) persist(tasks map[string]T) error {
	if tasks == nil {
		tasks = map[string]T{}
	}

	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("could not marshal task cache: %w", err)
	}

	if err := tc.store.Set(tc.path, data); err != nil {
		return fmt.Errorf("could not write task cache: %w", err)
	}

	return nil
}
