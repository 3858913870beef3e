package depgraph

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports plugins whose requirements can never be satisfied
// because they require each other
type CyclicDependencyError struct {
	Plugins []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic plugin dependency among: %s", strings.Join(e.Plugins, ", "))
}

// StillRequiredError reports dependents left without a substitute by a deletion
type StillRequiredError struct {
	Target     string
	Dependents []string
}

func (e *StillRequiredError) Error() string {
	return fmt.Sprintf("plugin %s is still required by %s and no substitute is installed",
		e.Target, strings.Join(e.Dependents, ", "))
}

// UnresolvedRequirementError reports a requirement no installed plugin satisfies
type UnresolvedRequirementError struct {
	Plugin      string
	Requirement string
}

func (e *UnresolvedRequirementError) Error() string {
	return fmt.Sprintf("plugin %s requires %s, but no active installed plugin satisfies it",
		e.Plugin, e.Requirement)
}
