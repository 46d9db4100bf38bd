// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"sync"
)

// SessionManager selects session factories across multiple backends.
// It maintains at most one factory per backend type (lazy-created).
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo, Device: DeviceAuto},
//	})
//
//	factory, spec, err := manager.GetSessionFactoryForModel([]string{"onnx", "go"})
type SessionManager struct {
	factories map[BackendType]SessionFactory
	priority  []BackendSpec
	mu        sync.RWMutex
	closed    bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		factories: make(map[BackendType]SessionFactory),
	}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// getPriority returns the configured priority or the global default.
// Caller must hold sm.mu.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	globalPriority := GetPriority()
	result := make([]BackendSpec, len(globalPriority))
	for i, bt := range globalPriority {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns the SessionFactory for the specified backend.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, fmt.Errorf("session manager is closed")
	}

	if f, ok := sm.factories[backend]; ok {
		return f, nil
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	f := b.SessionFactory()
	sm.factories[backend] = f
	return f, nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// respecting backend restrictions. Tries backends in priority order.
// If modelBackends is empty, every backend is acceptable. The returned factory
// applies the device preference of the selected spec to every session it creates.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendSpec, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	allowed := make(map[BackendType]bool, len(modelBackends))
	for _, b := range modelBackends {
		allowed[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range priority {
		if len(modelBackends) > 0 && !allowed[spec.Backend] {
			continue
		}

		factory, err := sm.GetSessionFactory(spec.Backend)
		if err != nil {
			lastErr = err
			continue
		}
		if spec.Device != "" && spec.Device != DeviceAuto {
			factory = &deviceFactory{SessionFactory: factory, mode: spec.Device.ToGPUMode()}
		}
		return factory, spec, nil
	}

	if lastErr != nil {
		if len(modelBackends) > 0 {
			return nil, BackendSpec{}, fmt.Errorf("no session factory for backends %v: %w", modelBackends, lastErr)
		}
		return nil, BackendSpec{}, fmt.Errorf("no session factory available: %w", lastErr)
	}
	if len(modelBackends) > 0 {
		return nil, BackendSpec{}, fmt.Errorf("no session factory for backends %v", modelBackends)
	}
	return nil, BackendSpec{}, fmt.Errorf("no session factory available")
}

// ActiveBackends returns the backends with created factories.
func (sm *SessionManager) ActiveBackends() []BackendType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]BackendType, 0, len(sm.factories))
	for t := range sm.factories {
		out = append(out, t)
	}
	return out
}

// Close releases all managed resources.
// After Close, the SessionManager cannot be reused.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil
	}
	sm.factories = nil
	sm.closed = true
	return nil
}

// deviceFactory pins the GPU mode chosen by a BackendSpec.
type deviceFactory struct {
	SessionFactory
	mode GPUMode
}

func (f *deviceFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	// Explicit caller options still win.
	opts = append([]SessionOption{WithSessionGPUMode(f.mode)}, opts...)
	return f.SessionFactory.CreateSession(modelPath, opts...)
}
