package manifest

import (
	"fmt"
	"strings"
)

// ActionRef is a parsed `uses:` value.
//
//	actions/checkout@v4       -> Name "actions/checkout", Version "v4"
//	./.github/actions/setup   -> Name "./.github/actions/setup", Local
//	docker://alpine:3.19      -> Name "alpine:3.19", Docker
type ActionRef struct {
	Name    string
	Version string
	Local   bool
	Docker  bool
}

// String formats the reference the way it is written in a workflow.
func (r ActionRef) String() string {
	switch {
	case r.Docker:
		return "docker://" + r.Name
	case r.Version == "":
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// ParseActionRef parses a `uses:` value.
func ParseActionRef(uses string) (ActionRef, error) {
	uses = strings.TrimSpace(uses)
	switch {
	case uses == "":
		return ActionRef{}, fmt.Errorf("empty action reference")
	case strings.HasPrefix(uses, "docker://"):
		image := strings.TrimPrefix(uses, "docker://")
		if image == "" {
			return ActionRef{}, fmt.Errorf("docker action %q has no image", uses)
		}
		return ActionRef{Name: image, Docker: true}, nil
	case strings.HasPrefix(uses, "./"):
		return ActionRef{Name: uses, Local: true}, nil
	}

	name, version, ok := strings.Cut(uses, "@")
	if !ok || name == "" || version == "" {
		return ActionRef{}, fmt.Errorf("action reference %q must be owner/name@version", uses)
	}
	if !strings.Contains(name, "/") {
		return ActionRef{}, fmt.Errorf("action reference %q must be owner/name@version", uses)
	}
	return ActionRef{Name: name, Version: version}, nil
}
