package tab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultStorageSize = 64
	// DefaultStorageTTL bounds how long a value written to tab storage stays readable.
	DefaultStorageTTL = 5 * time.Minute
)

// Storage is short-lived key/value storage private to one tab. Entries expire after the TTL given
// to NewStorage and disappear with the tab.
type Storage struct {
	cache *expirable.LRU[string, []byte]
}

func NewStorage(ttl time.Duration) *Storage {
	if ttl <= 0 {
		ttl = DefaultStorageTTL
	}
	return &Storage{cache: expirable.NewLRU[string, []byte](defaultStorageSize, nil, ttl)}
}

// SetJSON stores v encoded as JSON.
func (s *Storage) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.cache.Add(key, data)
	return nil
}

// GetJSON decodes the value stored under key into v. It returns false if the key is absent or
// expired.
func (s *Storage) GetJSON(key string, v any) (bool, error) {
	data, ok := s.cache.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Storage) Delete(key string) {
	s.cache.Remove(key)
}

func (s *Storage) Keys() []string {
	return s.cache.Keys()
}
