package v1

import (
	"fmt"
	"slices"
	"strings"
)

// SetDefaults fills in any value that hasn't been
// configured.
func (s *MirrorSpec) SetDefaults() {
	if s.Mirror == "" {
		s.Mirror = DefaultMirror
	}
	s.Mirror = strings.TrimSuffix(s.Mirror, "/")
	if s.Architecture == "" {
		s.Architecture = DefaultArchitecture
	}
	if len(s.Components) == 0 {
		s.Components = slices.Clone(DefaultComponents)
	}
	if s.IndexTemplate == "" {
		s.IndexTemplate = DefaultIndexTemplate
	}
	if len(s.IndexFiles) == 0 {
		s.IndexFiles = slices.Clone(DefaultIndexFiles)
	}
	if s.MergePolicy == "" {
		s.MergePolicy = DefaultMergePolicy
	}
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
}

// Validate checks for values that can't be used.
func (s *MirrorSpec) Validate() error {
	switch s.MergePolicy {
	case "last", "newest":
	default:
		return fmt.Errorf("unknown merge policy: %s", s.MergePolicy)
	}
	if !strings.Contains(s.IndexTemplate, "${INDEX}") {
		return fmt.Errorf("index template must reference ${INDEX}: %s", s.IndexTemplate)
	}
	return nil
}

// AutoComponents returns true if the components should be discovered
// from the Release file.
func (s *MirrorSpec) AutoComponents() bool {
	return len(s.Components) == 1 && s.Components[0] == ComponentsAuto
}
