package intercept

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules lists what the enqueue policy refuses to queue. Paths match by
// prefix against the request path, content types by prefix against the
// request Content-Type.
type Rules struct {
	// SkipPaths are endpoints whose failures must surface immediately.
	// Auth endpoints live here: an auth failure must not masquerade as
	// a connectivity failure.
	SkipPaths []string `yaml:"skip_paths"`

	// SkipContentTypes are payloads that cannot be replayed safely from
	// a serialized snapshot (file and binary uploads).
	SkipContentTypes []string `yaml:"skip_content_types"`
}

// DefaultRules returns the built-in exclusions for the FieldLedger API.
func DefaultRules() Rules {
	return Rules{
		SkipPaths: []string{
			"/api/auth/login",
			"/api/auth/register",
			"/api/auth/token",
		},
		SkipContentTypes: []string{
			"multipart/form-data",
			"application/octet-stream",
			"image/",
			"video/",
		},
	}
}

// LoadRules reads rules from a YAML file. An empty path returns the
// defaults; a listed section replaces the corresponding default list.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("intercept: read rules: %w", err)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Rules{}, fmt.Errorf("intercept: parse rules: %w", err)
	}

	rules := DefaultRules()
	if loaded.SkipPaths != nil {
		rules.SkipPaths = loaded.SkipPaths
	}
	if loaded.SkipContentTypes != nil {
		rules.SkipContentTypes = loaded.SkipContentTypes
	}
	return rules, nil
}

// SkipsPath reports whether the path is excluded from queueing.
func (r Rules) SkipsPath(path string) bool {
	for _, p := range r.SkipPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// SkipsContentType reports whether the content type is excluded.
func (r Rules) SkipsContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, s := range r.SkipContentTypes {
		if strings.HasPrefix(ct, s) {
			return true
		}
	}
	return false
}
