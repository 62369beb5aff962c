package kyc

import (
	"context"
	"sync"
)

// Provider resolves a user's verified KYC tier. Verification itself
// happens outside the trading core; the engine only consumes the level
type Provider interface {
	Level(ctx context.Context, userID string) (int, error)
}

// Static is a fixed in-memory provider, used by the memory deployment
// and tests. Unknown users resolve to the default level
type Static struct {
	levels       map[string]int
	defaultLevel int

	mu sync.RWMutex
}

func NewStatic(defaultLevel int) *Static {
	return &Static{
		levels:       make(map[string]int),
		defaultLevel: defaultLevel,
	}
}

// Set fixes the KYC level for a user
func (s *Static) Set(userID string, level int) {
	s.mu.Lock()
	s.levels[userID] = level
	s.mu.Unlock()
}

func (s *Static) Level(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if level, ok := s.levels[userID]; ok {
		return level, nil
	}

	return s.defaultLevel, nil
}
