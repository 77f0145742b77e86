package config

import (
	"github.com/danmuck/capd/internal/manifest"
)

// FromManifest builds the persisted config for an installed manifest. files
// are the installed paths relative to the service dir; the first one is the
// entry point.
func FromManifest(m manifest.Manifest, files []string) ServiceConfig {
	cfg := ServiceConfig{
		Name:     m.Name,
		Class:    m.Type,
		Version:  m.Version,
		Files:    append([]string(nil), files...),
		Metadata: m.Metadata,
		Runtime:  m.Runtime,
	}
	if len(files) > 0 {
		cfg.Entry = files[0]
	}
	return cfg
}
