package cache

import (
	"fmt"
	"strings"
)

// NamespaceMode selects how callers map onto cache namespaces.
type NamespaceMode string

// Namespace modes.
const (
	// NamespaceModeShared pools every caller into the shared namespace.
	NamespaceModeShared NamespaceMode = "shared"
	// NamespaceModeCaller isolates each caller.
	NamespaceModeCaller NamespaceMode = "caller"
	// NamespaceModeGroup shares entries within a declared group.
	NamespaceModeGroup NamespaceMode = "group"
)

// SharedNamespace is readable by everyone regardless of mode.
const SharedNamespace = ""

// Scope identifies the caller for namespace routing.
type Scope struct {
	// Caller is the individual caller identity.
	Caller string
	// Group is the caller's group, used only in group mode.
	Group string
}

// Router derives write and read namespaces from a Scope. It holds no state;
// isolation correctness depends only on the mode and the scope fields.
type Router struct {
	mode NamespaceMode
}

// NewRouter validates the mode and returns a Router.
func NewRouter(mode NamespaceMode) (*Router, error) {
	switch mode {
	case NamespaceModeShared, NamespaceModeCaller, NamespaceModeGroup:
		return &Router{mode: mode}, nil
	default:
		return nil, fmt.Errorf("%w: unknown namespace mode %q", ErrInvalidConfig, mode)
	}
}

// Mode returns the routing mode.
func (r *Router) Mode() NamespaceMode { return r.mode }

// WriteNamespace returns the single namespace scope may write to. Caller and
// group modes reject empty identities outright rather than widening the write
// into the shared namespace.
func (r *Router) WriteNamespace(scope Scope) (string, error) {
	switch r.mode {
	case NamespaceModeShared:
		return SharedNamespace, nil
	case NamespaceModeCaller:
		if strings.TrimSpace(scope.Caller) == "" {
			return "", fmt.Errorf("%w: caller identity required in caller mode", ErrNamespaceViolation)
		}
		return "caller:" + scope.Caller, nil
	case NamespaceModeGroup:
		if strings.TrimSpace(scope.Group) == "" {
			return "", fmt.Errorf("%w: group identity required in group mode", ErrNamespaceViolation)
		}
		return "group:" + scope.Group, nil
	default:
		return "", fmt.Errorf("%w: unknown namespace mode %q", ErrInvalidConfig, r.mode)
	}
}

// ReadNamespaces returns the namespaces scope may read, own namespace first.
// Shared entries stay visible in every mode; nothing else ever is.
func (r *Router) ReadNamespaces(scope Scope) ([]string, error) {
	if r.mode == NamespaceModeShared {
		return []string{SharedNamespace}, nil
	}
	own, err := r.WriteNamespace(scope)
	if err != nil {
		return nil, err
	}
	return []string{own, SharedNamespace}, nil
}

// Allowed reports whether scope may read entries stored under namespace.
func (r *Router) Allowed(scope Scope, namespace string) bool {
	if namespace == SharedNamespace {
		return true
	}
	readable, err := r.ReadNamespaces(scope)
	if err != nil {
		return false
	}
	for _, ns := range readable {
		if ns == namespace {
			return true
		}
	}
	return false
}
