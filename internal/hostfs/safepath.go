package hostfs

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// SplitPath splits a volume-relative tag such as "/a/b" into its components.
// The empty tag and "/" both name the volume root and yield no components.
//
// Components that could escape the volume or confuse a host filesystem are
// rejected with types.ErrInvalidPath: empty components, "." and "..", and
// names containing ':', '\\' or control characters.
func SplitPath(tag string) ([]string, error) {
	tag = strings.TrimPrefix(tag, "/")
	if tag == "" {
		return nil, nil
	}

	parts := strings.Split(tag, "/")
	for _, part := range parts {
		if err := validName(part); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return "/" + strings.Join(parts, "/")
}

func validName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("%w: component %q", types.ErrInvalidPath, name)
	}
	for _, ch := range name {
		if ch == ':' || ch == '\\' || unicode.IsControl(ch) {
			return fmt.Errorf("%w: component %q", types.ErrInvalidPath, name)
		}
	}
	return nil
}
