// Package stubbing holds test overrides for the simulated call surface: a
// forced return code per function and canned output bytes per function
// parameter. Every surface function still runs its normal behavior and then
// asks the store what to report.
package stubbing

import (
	"sync"

	"github.com/SimplyPrint/pcsc-sim/internal/logging"
)

type funcKey struct {
	module   string
	function string
}

type paramKey struct {
	funcKey
	param string
}

// Store is a set of overrides. The zero value is not usable; use NewStore.
type Store struct {
	mu          sync.RWMutex
	returnCodes map[funcKey]uint32
	outParams   map[paramKey][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		returnCodes: make(map[funcKey]uint32),
		outParams:   make(map[paramKey][]byte),
	}
}

// Default is the store consulted by the call surface.
var Default = NewStore()

// SetReturnCode forces function in module to report code.
func (s *Store) SetReturnCode(module, function string, code uint32) {
	s.mu.Lock()
	s.returnCodes[funcKey{module, function}] = code
	s.mu.Unlock()

	logging.Debug(logging.CatStub, "Return code override set", map[string]any{
		"module":   module,
		"function": function,
		"code":     code,
	})
}

// ReturnCode returns the forced code for function, or def when none is set.
func (s *Store) ReturnCode(module, function string, def uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if code, ok := s.returnCodes[funcKey{module, function}]; ok {
		return code
	}
	return def
}

// HasReturnCode reports whether function has a forced code.
func (s *Store) HasReturnCode(module, function string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.returnCodes[funcKey{module, function}]
	return ok
}

// SetOutParam stores data to be written to param of function. The data is
// copied.
func (s *Store) SetOutParam(module, function, param string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.outParams[paramKey{funcKey{module, function}, param}] = buf
	s.mu.Unlock()

	logging.Debug(logging.CatStub, "Out parameter override set", map[string]any{
		"module":   module,
		"function": function,
		"param":    param,
		"size":     len(data),
	})
}

// OutParam returns a copy of the stored data for param, and whether any is set.
func (s *Store) OutParam(module, function, param string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.outParams[paramKey{funcKey{module, function}, param}]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, true
}

// ClearReturnCodes drops every forced return code.
func (s *Store) ClearReturnCodes() {
	s.mu.Lock()
	s.returnCodes = make(map[funcKey]uint32)
	s.mu.Unlock()
}

// ClearOutParams drops every stored out parameter.
func (s *Store) ClearOutParams() {
	s.mu.Lock()
	s.outParams = make(map[paramKey][]byte)
	s.mu.Unlock()
}

// ClearModule drops every override of module.
func (s *Store) ClearModule(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.returnCodes {
		if k.module == module {
			delete(s.returnCodes, k)
		}
	}
	for k := range s.outParams {
		if k.module == module {
			delete(s.outParams, k)
		}
	}
}

// ClearAll drops every override.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.returnCodes = make(map[funcKey]uint32)
	s.outParams = make(map[paramKey][]byte)
	s.mu.Unlock()

	logging.Debug(logging.CatStub, "Overrides cleared", nil)
}

// Override is a snapshot of the store's contents, as listed over the API.
type Override struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	Param    string `json:"param,omitempty"`
	Code     uint32 `json:"code,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// List returns every override currently set. Return codes come first.
func (s *Store) List() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Override, 0, len(s.returnCodes)+len(s.outParams))
	for k, code := range s.returnCodes {
		list = append(list, Override{Module: k.module, Function: k.function, Code: code})
	}
	for k, data := range s.outParams {
		buf := make([]byte, len(data))
		copy(buf, data)
		list = append(list, Override{Module: k.module, Function: k.function, Param: k.param, Data: buf})
	}
	return list
}

// OverrideReturnCode forces a code until the returned restore func is called.
// Restore puts back whatever was set before, including nothing.
func (s *Store) OverrideReturnCode(module, function string, code uint32) (restore func()) {
	key := funcKey{module, function}

	s.mu.Lock()
	prev, had := s.returnCodes[key]
	s.returnCodes[key] = code
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.returnCodes[key] = prev
		} else {
			delete(s.returnCodes, key)
		}
	}
}

// OverrideOutParam stores data until the returned restore func is called.
func (s *Store) OverrideOutParam(module, function, param string, data []byte) (restore func()) {
	key := paramKey{funcKey{module, function}, param}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	prev, had := s.outParams[key]
	s.outParams[key] = buf
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.outParams[key] = prev
		} else {
			delete(s.outParams, key)
		}
	}
}

// SetReturnCode forces a code on the Default store.
func SetReturnCode(module, function string, code uint32) {
	Default.SetReturnCode(module, function, code)
}

// ReturnCode reads a forced code from the Default store.
func ReturnCode(module, function string, def uint32) uint32 {
	return Default.ReturnCode(module, function, def)
}

// HasReturnCode reports whether the Default store forces a code for function.
func HasReturnCode(module, function string) bool {
	return Default.HasReturnCode(module, function)
}

// SetOutParam stores canned output on the Default store.
func SetOutParam(module, function, param string, data []byte) {
	Default.SetOutParam(module, function, param, data)
}

// OutParam reads canned output from the Default store.
func OutParam(module, function, param string) ([]byte, bool) {
	return Default.OutParam(module, function, param)
}

// ClearReturnCodes drops every forced code from the Default store.
func ClearReturnCodes() { Default.ClearReturnCodes() }

// ClearOutParams drops every canned output from the Default store.
func ClearOutParams() { Default.ClearOutParams() }

// ClearModule drops the Default store's overrides for module.
func ClearModule(module string) { Default.ClearModule(module) }

// ClearAll empties the Default store.
func ClearAll() { Default.ClearAll() }

// OverrideReturnCode forces a code on the Default store until the returned
// func is called.
func OverrideReturnCode(module, function string, code uint32) func() {
	return Default.OverrideReturnCode(module, function, code)
}

// OverrideOutParam sets canned output on the Default store until the
// returned func is called.
func OverrideOutParam(module, function, param string, data []byte) func() {
	return Default.OverrideOutParam(module, function, param, data)
}
