package intelliceil

import "fmt"

// ValidationError rejects an out-of-range config update; the running config
// is left untouched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Msg)
}

// AuthorizationError rejects a non-privileged caller mutating engine state.
type AuthorizationError struct {
	Role string
}

func (e *AuthorizationError) Error() string {
	if e.Role == "" {
		return "authorization required"
	}
	return fmt.Sprintf("role %q is not permitted", e.Role)
}

// DependencyError marks an external collaborator failure. Callers degrade to
// a neutral result instead of blocking traffic.
type DependencyError struct {
	Dep string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dep, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
