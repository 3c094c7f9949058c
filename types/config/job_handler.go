package config

import (
	"fmt"
	"sort"
	"sync"
)

type JobHandler struct {
	handlers map[string]func(args ...any) error
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]func(args ...any) error),
	}
}

// Register adds a new setting handler by name.
func (jh *JobHandler) Register(name string, handler func(args ...any) error) error {
	if name == "" || handler == nil {
		return fmt.Errorf("handler must have a name and function")
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	jh.handlers[name] = handler
	return nil
}

func (jh *JobHandler) Exists(name string) bool {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	_, exists := jh.handlers[name]
	return exists
}

// Execute runs the named handler. A panicking handler is reported as an error.
func (jh *JobHandler) Execute(name string, args ...any) (err error) {
	jh.mutex.RLock()
	handler, exists := jh.handlers[name]
	jh.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("handler '%s' not found", name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler '%s' panicked: %v", name, r)
		}
	}()
	return handler(args...)
}

func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
