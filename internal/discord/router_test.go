package discord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterResolve(t *testing.T) {
	routes := map[string]string{
		"#stocks":  "https://discord.test/stocks",
		"#crypto":  "https://discord.test/crypto",
		"#general": "https://discord.test/general",
	}
	priority := []string{"#crypto", "#stocks", "#general"}
	def := "https://discord.test/default"

	r := NewRouter(routes, priority, def)

	t.Run("default when nothing matches", func(t *testing.T) {
		assert.Equal(t, def, r.Resolve("no tags here"))
	})

	t.Run("single match routes to its channel", func(t *testing.T) {
		assert.Equal(t, "https://discord.test/stocks", r.Resolve("Buy AAPL #stocks #discord"))
	})

	t.Run("highest priority wins when several match", func(t *testing.T) {
		assert.Equal(t, "https://discord.test/crypto", r.Resolve("BTC and AAPL #stocks #crypto"))
	})

	t.Run("matching is case-insensitive", func(t *testing.T) {
		assert.Equal(t, "https://discord.test/crypto", r.Resolve("gm #CRYPTO"))
	})

	t.Run("route tags missing from the priority list still resolve", func(t *testing.T) {
		r := NewRouter(routes, []string{"#crypto"}, def)
		assert.Equal(t, "https://discord.test/general", r.Resolve("hello #general"))
	})

	t.Run("no routes configured always yields the default", func(t *testing.T) {
		r := NewRouter(nil, nil, def)
		assert.Equal(t, def, r.Resolve("anything #stocks"))
	})
}
