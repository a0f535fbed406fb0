package search

import (
	"sort"
	"strconv"
	"strings"
)

// ConfigGroup is a flat key/value group a pattern, filter or action is
// persisted to.
type ConfigGroup interface {
	ReadEntry(key, def string) string
	WriteEntry(key, value string)
	HasKey(key string) bool
	DeleteEntry(key string)
}

// MapGroup is an in-memory ConfigGroup.
type MapGroup map[string]string

func (g MapGroup) ReadEntry(key, def string) string {
	if v, ok := g[key]; ok {
		return v
	}
	return def
}

func (g MapGroup) WriteEntry(key, value string) { g[key] = value }

func (g MapGroup) HasKey(key string) bool {
	_, ok := g[key]
	return ok
}

func (g MapGroup) DeleteEntry(key string) { delete(g, key) }

// Keys returns the keys in sorted order.
func (g MapGroup) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadIntEntry reads an integer entry, falling back to def.
func ReadIntEntry(g ConfigGroup, key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(g.ReadEntry(key, "")))
	if err != nil {
		return def
	}
	return v
}

// ReadBoolEntry reads a boolean entry, falling back to def.
func ReadBoolEntry(g ConfigGroup, key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(g.ReadEntry(key, "")))
	if err != nil {
		return def
	}
	return v
}

// MaxRules is the number of rules a persisted pattern holds; rule keys are
// suffixed with the letters A to Z.
const MaxRules = 26

func ruleKey(prefix string, i int) string {
	return prefix + string(rune('A'+i))
}

// ReadConfig replaces the pattern with the one stored in g.
func (p *Pattern) ReadConfig(g ConfigGroup) {
	p.Name = g.ReadEntry("name", p.Name)
	p.Op = ParseOperator(g.ReadEntry("operator", "and"))
	p.rules = nil

	n := ReadIntEntry(g, "rules", 0)
	if n > MaxRules {
		n = MaxRules
	}
	for i := 0; i < n; i++ {
		r := CreateInstanceFromNames(
			g.ReadEntry(ruleKey("field", i), ""),
			g.ReadEntry(ruleKey("func", i), ""),
			g.ReadEntry(ruleKey("contents", i), ""),
		)
		if r.IsEmpty() {
			continue
		}
		p.rules = append(p.rules, r)
	}
}

// WriteConfig stores the non-empty rules of the pattern in g and removes
// rule keys left over from a longer pattern.
func (p *Pattern) WriteConfig(g ConfigGroup) {
	g.WriteEntry("name", p.Name)
	g.WriteEntry("operator", p.Op.String())

	i := 0
	for _, r := range p.rules {
		if r.IsEmpty() || i >= MaxRules {
			continue
		}
		g.WriteEntry(ruleKey("field", i), r.Field())
		g.WriteEntry(ruleKey("func", i), r.Function().String())
		g.WriteEntry(ruleKey("contents", i), r.Contents())
		i++
	}
	g.WriteEntry("rules", strconv.Itoa(i))

	for ; i < MaxRules; i++ {
		g.DeleteEntry(ruleKey("field", i))
		g.DeleteEntry(ruleKey("func", i))
		g.DeleteEntry(ruleKey("contents", i))
	}
}
