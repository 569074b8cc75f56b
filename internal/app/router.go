package app

import "fmt"

// ModelAlias maps a short model alias to the concrete upstream model name
// and the provider registry entry that serves it.
type ModelAlias struct {
	Provider string
	Model    string
}

// AliasTable resolves the fixed {haiku, sonnet, opus} alias set to concrete
// provider/model pairs. Unlike the teacher's DB-backed, per-request route
// lookup, the direct path's alias set is small and effectively static for a
// single-vendor gateway, so it is held in memory rather than round-tripping
// through storage on every request.
type AliasTable struct {
	aliases map[string]ModelAlias
}

// NewAliasTable returns an AliasTable seeded with aliases.
func NewAliasTable(aliases map[string]ModelAlias) *AliasTable {
	if aliases == nil {
		aliases = make(map[string]ModelAlias)
	}
	return &AliasTable{aliases: aliases}
}

// DefaultAliasTable returns the gateway's built-in alias set, all routed to
// the "anthropic" provider registration.
func DefaultAliasTable() *AliasTable {
	return NewAliasTable(map[string]ModelAlias{
		"haiku":  {Provider: "anthropic", Model: "claude-haiku-4-5"},
		"sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-6"},
		"opus":   {Provider: "anthropic", Model: "claude-opus-4-6"},
	})
}

// Resolve maps alias to its provider/model pair.
func (t *AliasTable) Resolve(alias string) (ModelAlias, error) {
	target, ok := t.aliases[alias]
	if !ok {
		return ModelAlias{}, fmt.Errorf("model alias %q not registered", alias)
	}
	return target, nil
}

// Aliases returns the known alias names.
func (t *AliasTable) Aliases() []string {
	names := make([]string, 0, len(t.aliases))
	for name := range t.aliases {
		names = append(names, name)
	}
	return names
}
