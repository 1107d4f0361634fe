package action

import (
	"os/exec"

	"jobmatrix/internal/artifact"
	"jobmatrix/internal/cache"
)

// Deps are the collaborators of the built-in actions.
type Deps struct {
	Cache     *cache.Manager
	Artifacts *artifact.Store

	// LookPath finds interpreters for setup-python. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	// CacheEnabled turns the cache actions into no-ops when false.
	CacheEnabled bool
}

// NewDefaultRegistry registers the built-in actions.
func NewDefaultRegistry(deps Deps) *Registry {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}

	r := NewRegistry()
	r.Register("actions/checkout", Func(checkout))
	r.Register("actions/setup-python", &SetupPython{LookPath: deps.LookPath})

	c := &Cache{Manager: deps.Cache, Enabled: deps.CacheEnabled && deps.Cache != nil}
	r.Register("actions/cache", Func(c.RestoreAndSave))
	r.Register("actions/cache/restore", Func(c.Restore))
	r.Register("actions/cache/save", Func(c.Save))

	r.Register("actions/upload-artifact", &UploadArtifact{Store: deps.Artifacts})
	return r
}
