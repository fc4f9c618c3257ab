// Package connector implements the protocol connectors that drive agent
// subprocesses. Three variants share one contract:
//
//   - AcpConnector: a long-lived subprocess speaking the Agent Client
//     Protocol, JSON-RPC 2.0 over stdin/stdout with newline-delimited
//     framing (initialize -> session/new -> session/prompt).
//   - CliStreamConnector: one subprocess invocation per turn, emitting
//     newline-delimited JSON events on stdout, with a session id captured
//     from the first invocation and passed back via a resume flag.
//   - APIConnector: no subprocess at all; turns are served by a hosted
//     model through the llm package.
//
// Every variant implements Launch, Execute, CheckAvailability, Alive and
// Shutdown. Shutdown is idempotent and safe on an already-dead process.
package connector
