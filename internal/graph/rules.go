package graph

import (
	"strings"

	"github.com/featrun/featrun/internal/feature"
)

// Rule is a heuristic that infers an implicit dependency between two
// features. Applies returns true when consumer should wait for provider.
//
// Rules only propose edges; the graph decides whether an edge is safe to
// add (it is dropped if it would close a cycle or duplicate an explicit
// edge).
type Rule interface {
	// Name identifies the rule in logs and exports.
	Name() string
	// Applies reports whether consumer implicitly depends on provider.
	Applies(provider, consumer *feature.Feature) bool
}

// DefaultRules returns the built-in inference rules: authentication setup
// before protected endpoints, schema setup before data access, and project
// setup before API endpoints.
func DefaultRules() []Rule {
	return []Rule{
		AuthBeforeProtectedRule{},
		SchemaBeforeDataAccessRule{},
		SetupBeforeEndpointRule{},
	}
}

func descContainsAny(f *feature.Feature, keywords ...string) bool {
	desc := strings.ToLower(f.Description)
	for _, kw := range keywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Built-in Rules
// -----------------------------------------------------------------------------

// AuthBeforeProtectedRule makes features touching protected resources wait
// for features that set up authentication.
type AuthBeforeProtectedRule struct{}

// Name implements Rule.
func (AuthBeforeProtectedRule) Name() string { return "auth-before-protected" }

// Applies implements Rule. A provider counts as auth setup when it carries
// an auth-related keyword alongside a setup verb, or an explicit
// "auth-middleware" tag. A consumer counts as protected when its
// description asks for authentication.
func (AuthBeforeProtectedRule) Applies(provider, consumer *feature.Feature) bool {
	providesAuth := provider.HasTag("auth-middleware") ||
		(descContainsAny(provider, "authentication", "login", "auth", "jwt", "oauth") &&
			descContainsAny(provider, "setup", "implement", "add", "create"))
	if !providesAuth {
		return false
	}
	return consumer.HasTag("protected-endpoint") ||
		descContainsAny(consumer, "requires auth", "protected", "authenticated")
}

// SchemaBeforeDataAccessRule makes features that read or write data wait
// for features that create the schema.
type SchemaBeforeDataAccessRule struct{}

// Name implements Rule.
func (SchemaBeforeDataAccessRule) Name() string { return "schema-before-data-access" }

// Applies implements Rule.
func (SchemaBeforeDataAccessRule) Applies(provider, consumer *feature.Feature) bool {
	providesSchema := descContainsAny(provider, "create table", "database setup", "schema", "migration")
	if !providesSchema {
		return false
	}
	return descContainsAny(consumer, "database", "query", "insert", "update", "delete")
}

// SetupBeforeEndpointRule makes API endpoint features wait for project
// scaffolding features.
type SetupBeforeEndpointRule struct{}

// Name implements Rule.
func (SetupBeforeEndpointRule) Name() string { return "setup-before-endpoint" }

// Applies implements Rule.
func (SetupBeforeEndpointRule) Applies(provider, consumer *feature.Feature) bool {
	if !provider.HasTag("setup") {
		return false
	}
	return consumer.HasTag("api") || descContainsAny(consumer, "endpoint")
}
