package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

const defaultCallTimeout = 30 * time.Second

// Registry holds the available tools and mediates every invocation
// with a wall-clock timeout.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	callTimeout time.Duration
	logger      *logger.Logger
}

// NewRegistry creates an empty registry. A callTimeout of 0 uses the
// 30 second default.
func NewRegistry(callTimeout time.Duration, log *logger.Logger) *Registry {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Registry{
		tools:       make(map[string]Tool),
		callTimeout: callTimeout,
		logger:      log,
	}
}

// Register adds a tool. Later registrations with the same name win.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		r.logger.Warn("Tool name collision, replacing", zap.String("tool", tool.Name()))
	}
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the tools an agent may call, sorted by name. A nil
// allowed set means all tools; an empty set means none.
func (r *Registry) List(allowed []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	if allowed == nil {
		for _, tool := range r.tools {
			out = append(out, tool)
		}
	} else {
		for _, name := range allowed {
			if tool, ok := r.tools[name]; ok {
				out = append(out, tool)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Invoke calls a tool with the registry's timeout. A missing tool is
// NotFound; a timeout surfaces as an error result, never a hang.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", apperr.NotFoundf("tool not found: %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Invoke(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("Tool invocation failed",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", err
	}
	r.logger.Debug("Tool invoked",
		zap.String("tool", name),
		zap.Duration("elapsed", elapsed))
	return result, nil
}
