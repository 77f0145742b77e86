// Package shm implements the shared-memory mailbox transport.
//
// Ownership boundary:
// - shared-memory segments (create/open/map/unlink)
// - POSIX named semaphores
// - single-slot turn-alternating mailbox on top of both
//
// Slot layout: byte 0 is the turn flag, bytes 1.. hold one frame.
package shm
