package domain

// UnmeteredPref is a task's own say about metered networks. Tasks that keep
// the default follow the global policy and are reclassified when it changes;
// explicit preferences are never altered by a policy change.
type UnmeteredPref string

const (
	PrefUseGlobal UnmeteredPref = "useGlobal"
	PrefRequired  UnmeteredPref = "required"
	PrefAny       UnmeteredPref = "any"
)

// IsValid reports whether p is a known preference.
func (p UnmeteredPref) IsValid() bool {
	return p == PrefUseGlobal || p == PrefRequired || p == PrefAny
}

// NetworkPolicy is the orchestrator-wide default network constraint.
type NetworkPolicy struct {
	RequireUnmetered bool `json:"require_unmetered"`
}

// RequiresUnmetered resolves the effective constraint for this task under
// the given global policy.
func (t *Task) RequiresUnmetered(p NetworkPolicy) bool {
	switch t.Unmetered {
	case PrefRequired:
		return true
	case PrefAny:
		return false
	default:
		return p.RequireUnmetered
	}
}
