package lifecycle

import (
	"strings"
	"sync"
)

// LanguageSet is the set of language codes loaded into the running engine,
// in load order.
type LanguageSet struct {
	mu    sync.RWMutex
	order []string
	set   map[string]struct{}
}

// NewLanguageSet returns a set holding langs.
func NewLanguageSet(langs ...string) *LanguageSet {
	s := &LanguageSet{set: make(map[string]struct{})}
	s.Add(langs...)
	return s
}

// Normalize trims, splits "eng+fra" forms and drops blanks and duplicates,
// keeping first-seen order.
func Normalize(langs []string) []string {
	seen := make(map[string]struct{}, len(langs))
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		for _, part := range strings.Split(l, "+") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether lang is loaded.
func (s *LanguageSet) Has(lang string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[lang]
	return ok
}

// Add unions langs into the set.
func (s *LanguageSet) Add(langs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range Normalize(langs) {
		if _, ok := s.set[l]; ok {
			continue
		}
		s.set[l] = struct{}{}
		s.order = append(s.order, l)
	}
}

// Replace discards the current contents and holds exactly langs.
func (s *LanguageSet) Replace(langs ...string) {
	s.mu.Lock()
	s.order = nil
	s.set = make(map[string]struct{})
	s.mu.Unlock()
	s.Add(langs...)
}

// Missing returns the requested languages not yet loaded.
func (s *LanguageSet) Missing(requested []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, l := range Normalize(requested) {
		if _, ok := s.set[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// List returns the loaded languages in load order.
func (s *LanguageSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of loaded languages.
func (s *LanguageSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
