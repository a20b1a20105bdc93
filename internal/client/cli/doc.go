// Package cli provides the bucketkeeper command-line client.
//
// It talks to a running daemon over gRPC: any backend command can be sent
// with "invoke", the event stream can be followed with "watch" and "top",
// and the account vault is unlocked with a passphrase read from the
// terminal. Without arguments the client starts an interactive REPL.
package cli
