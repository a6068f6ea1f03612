// Package commands defines the meshchat CLI.
//
// Commands
//
//   - init   Create the encrypted device identity
//   - id     Print the device id and pairing payload
//   - run    Start a node on a QUIC radio and chat from stdin
//   - audit  Sync with peers for a while, then print chain statistics
//
// # Implementation
//
// The root command resolves the home directory and log level before any
// subcommand runs. Commands that need a node open the key store, pick a
// contact store backend (file, Redis or MongoDB) and build a
// meshledger.Node on a transport.QUICRadio.
package commands
