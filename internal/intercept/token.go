package intercept

import (
	"os"
	"strings"
)

// FileTokenSource reads the bearer credential from a file on every
// call, so a login that rewrites the file takes effect without
// rebuilding the client.
type FileTokenSource struct {
	path string
}

// NewFileTokenSource creates a token source backed by path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

// Token returns the trimmed file contents, or "" when the file is
// missing or unreadable. An absent token just means the call goes out
// unauthenticated.
func (s *FileTokenSource) Token() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
