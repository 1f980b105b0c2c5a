package binding

import (
	"context"

	"github.com/harun/logdeck/pkg/window"
	"github.com/rs/zerolog/log"
)

// ScrollAreaKey is the slot the workspace view keeps its window cache in.
var ScrollAreaKey = NewKey[*window.Cache]("workspace_scroll_area_service")

// Attach returns the cache stored under key, or builds one with factory and
// stores it. Either way the cache's total length is refreshed from its
// source; a failed refresh is logged and the previous length kept.
func Attach(ctx context.Context, s *Storage, key Key[*window.Cache], factory func() *window.Cache) *window.Cache {
	cache, ok := Get(s, key)
	if !ok || cache == nil {
		fresh := factory()

		s.mu.Lock()
		cache, ok = s.values[key.name].(*window.Cache)
		if !ok || cache == nil {
			// nobody attached while the factory ran
			cache = fresh
			s.values[key.name] = cache
		}
		s.mu.Unlock()
	}

	if _, err := cache.RefreshLength(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("sessionKey", cache.SessionKey()).
			Str("key", key.name).
			Msg("Failed to refresh stream length on attach")
	}
	return cache
}

// Detach stores cache under key so a later Attach returns it. Detaching
// twice is harmless.
func Detach(s *Storage, key Key[*window.Cache], cache *window.Cache) {
	if cache == nil {
		return
	}
	Set(s, key, cache)
}
