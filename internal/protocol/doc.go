// Package protocol owns the mailbox wire contract.
//
// Ownership boundary:
// - command payload shapes (JSON)
// - payload decode + validation entry points
// - frame/header primitives live in protocol/frame
package protocol
