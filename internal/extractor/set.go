package extractor

import (
	"fmt"
	"sync"
)

// Set holds named extractors built from configured model profiles, so
// callers can pick a model per task (a cheap profile for classification, a
// stronger one for synthesis) without constructing extractors themselves.
type Set struct {
	mu         sync.Mutex
	extractors map[string]*Extractor
}

// NewSet constructs one extractor per profile. All extractors share the same
// construction options, so they register against the same manager.
func NewSet(profiles map[string]Profile, opts ...Option) (*Set, error) {
	s := &Set{
		extractors: make(map[string]*Extractor, len(profiles)),
	}

	for name, profile := range profiles {
		e, err := New(name, profile, opts...)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("building extractor set: %w", err)
		}
		s.extractors[name] = e
	}
	return s, nil
}

// Get returns the named extractor.
func (s *Set) Get(name string) (*Extractor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extractors[name]
	return e, ok
}

// Names lists the configured extractor names.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.extractors))
	for name := range s.extractors {
		names = append(names, name)
	}
	return names
}

// Close unregisters every extractor from the token manager.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extractors {
		e.Close()
	}
	s.extractors = map[string]*Extractor{}
}
