// Package session mirrors the local client's connection status into Redis so
// that companion processes on the same host can see whether the user is
// connected and how many private messages are waiting.
package session
