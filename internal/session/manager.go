package session

import (
	"sort"
	"sync"
)

// SessionManager hands out one session per device host.
type SessionManager struct {
	sessions map[string]*Session
	config   Config
	mutex    sync.RWMutex
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		config:   cfg,
	}
}

// Get returns the session of a host, creating it on first use.
func (sm *SessionManager) Get(host string) *Session {
	sm.mutex.RLock()
	s, exists := sm.sessions[host]
	sm.mutex.RUnlock()
	if exists {
		return s
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if s, exists := sm.sessions[host]; exists {
		return s
	}
	s = NewSession(host, sm.config)
	sm.sessions[host] = s
	return s
}

// GetAllSessions returns statistics for all sessions sorted by address.
func (sm *SessionManager) GetAllSessions() []Stats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := make([]Stats, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		stats = append(stats, s.GetStats())
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Addr < stats[j].Addr
	})

	return stats
}

// GetSessionCount returns the number of known sessions.
func (sm *SessionManager) GetSessionCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}
