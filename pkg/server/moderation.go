package server

import (
	"slices"
	"strings"
	"sync"

	"github.com/NicolasHaas/parley/pkg/model"
)

// Moderation holds the admin and muted sets. Names are compared by their
// case fold; the first spelling seen is kept for display.
type Moderation struct {
	mu     sync.RWMutex
	admins map[string]string
	muted  map[string]string
}

// NewModeration creates moderation state with the given initial admins.
func NewModeration(admins ...string) *Moderation {
	m := &Moderation{
		admins: make(map[string]string),
		muted:  make(map[string]string),
	}
	for _, a := range admins {
		m.Promote(a)
	}
	return m
}

func add(set map[string]string, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	key := model.FoldUsername(name)
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = name
	return true
}

func remove(set map[string]string, name string) bool {
	key := model.FoldUsername(name)
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	return true
}

func sortedValues(set map[string]string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// IsAdmin reports whether name is an admin.
func (m *Moderation) IsAdmin(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.admins[model.FoldUsername(name)]
	return ok
}

// RoleOf returns RoleAdmin for admins and RoleUser otherwise.
func (m *Moderation) RoleOf(name string) model.Role {
	if name != "" && m.IsAdmin(name) {
		return model.RoleAdmin
	}
	return model.RoleUser
}

// Promote adds name to the admin set. It reports whether the set changed.
func (m *Moderation) Promote(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return add(m.admins, name)
}

// Demote removes name from the admin set. It reports whether the set changed.
func (m *Moderation) Demote(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return remove(m.admins, name)
}

// Mute adds name to the muted set.
func (m *Moderation) Mute(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return add(m.muted, name)
}

// Unmute removes name from the muted set.
func (m *Moderation) Unmute(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return remove(m.muted, name)
}

// IsMuted reports whether name is muted.
func (m *Moderation) IsMuted(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.muted[model.FoldUsername(name)]
	return ok
}

// Admins returns the admin names, sorted.
func (m *Moderation) Admins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.admins)
}

// Muted returns the muted names, sorted.
func (m *Moderation) Muted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.muted)
}
