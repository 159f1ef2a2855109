// Package access implements the need/permission model that backs every
// authorization decision on communities and their members.
//
// A Need is an opaque capability token (for example "holds role manager in
// community X"). Generators compute sets of needs from an evaluation context;
// the Policy maps each named action to an ordered list of generators. An
// identity is authorized for an action when the needs it provides intersect
// the needs granted by at least one generator and no generator excludes it.
//
// Generators are a closed set of plain struct types evaluated through one
// interface. There is no reflection-based discovery.
package access
