// Package plugin invokes functions on one loaded capability.
//
// Ownership boundary:
// - function metadata (restype + ordered typed args)
// - argument binding and type checks
// - the closed set of loaders: native C ABI, native owned-string ABI, python module host
package plugin
