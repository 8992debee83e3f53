package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/titanous/json5"
)

// Paths address config fields by their JSON names joined with dots, e.g.
// "whatsapp.bridgeUrl". They back `waagent config get|set|list`.

// optionalKeys are omitempty fields that are absent from the tree until set.
var optionalKeys = map[string]bool{
	"fallbackModel":       true,
	"maxTurns":            true,
	"agentName":           true,
	"systemPrompt":        true,
	"systemPromptAppend":  true,
	"whatsapp.joinGroup":  true,
	"anthropic.apiBase":   true,
	"anthropic.maxTokens": true,
	"events.amqpUrl":      true,
}

type tree map[string]any

func treeOf(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// branch walks to the object holding the last path element.
func (t tree) branch(path string) (map[string]any, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", fmt.Errorf("empty path")
	}
	keys := strings.Split(path, ".")
	node := map[string]any(t)
	for i, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%s is not a section", strings.Join(keys[:i+1], "."))
		}
		node = next
	}
	return node, keys[len(keys)-1], nil
}

// GetByPath returns the value at path in its JSON form.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := treeOf(cfg)
	if err != nil {
		return nil, err
	}
	node, key, err := t.branch(path)
	if err != nil {
		return nil, err
	}
	v, ok := node[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return v, nil
}

// SetByPath assigns raw to the field at path. raw is read as a JSON5 literal
// first, so "true", "30" and "['a','b']" become typed values; anything else,
// or a literal the field cannot hold, is stored as the plain string.
func SetByPath(cfg *Config, path, raw string) error {
	t, err := treeOf(cfg)
	if err != nil {
		return err
	}
	node, key, err := t.branch(path)
	if err != nil {
		return err
	}
	if _, ok := node[key]; !ok && !optionalKeys[path] {
		return fmt.Errorf("key not found: %s", path)
	}

	var literal any
	if json5.Unmarshal([]byte(raw), &literal) == nil {
		node[key] = literal
		if updated, err := t.decode(); err == nil {
			*cfg = *updated
			return nil
		}
	}
	node[key] = raw
	updated, err := t.decode()
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = *updated
	return nil
}

func (t tree) decode() (*Config, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListPaths flattens cfg into path → value for every leaf.
func ListPaths(cfg *Config) map[string]any {
	t, err := treeOf(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			if prefix != "" {
				k = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(k, sub)
				continue
			}
			out[k] = v
		}
	}
	walk("", t)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	return slices.Sorted(maps.Keys(paths))
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Anthropic.APIKey = maskSecret(c.Anthropic.APIKey)
	c.Telegram.Token = maskSecret(c.Telegram.Token)
	c.Events.AMQPURL = maskURL(c.Events.AMQPURL)
	return &c
}

// maskSecret keeps the first and last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
