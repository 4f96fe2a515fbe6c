package lifecycle

// StageConfig is the reconciliation surface every target section shares,
// inlined into each target's own config struct.
type StageConfig struct {
	// Stages names the enabled stages; empty disables the target.
	Stages []string `yaml:"stages"`
	// Fields lists the user fields to compare and merge. Empty means the
	// intersection of what the source and target support.
	Fields []string `yaml:"fields"`
	// GroupsPatterns is the group scope for this target.
	GroupsPatterns []string `yaml:"groups_patterns"`
	// GroupFields lists the group attributes that matter on comparison.
	GroupFields []string `yaml:"group_fields"`
}
