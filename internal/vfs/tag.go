package vfs

import (
	"fmt"
	"strings"
)

// RootTag is the tag of a volume root.
const RootTag = ""

// ChildTag derives a child's tag from its parent's. It is called once per
// node, when the node is created.
func ChildTag(parentTag, name string) string {
	return parentTag + "/" + name
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}
