// Package tools provides host process helpers shared by daemon modules.
//
// Ownership boundary:
// - command execution helpers
package tools
