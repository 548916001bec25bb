// Package cli implements the phonebox command line client: phone login,
// sending and reading end-to-end encrypted messages, and logout.
//
// The private key never leaves the device after the first login. It is kept
// in a local key store; the server session token is kept next to it.
package cli
