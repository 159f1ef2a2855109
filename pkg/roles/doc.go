// Package roles holds the static community role registry.
//
// Roles are loaded once at process start, either from the built-in table or
// from a YAML file, validated (exactly one owner role must exist) and then
// treated as immutable. Every component that needs role information receives
// the *Registry explicitly; there is no package-level mutable state.
package roles
