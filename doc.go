// Package callcore implements the per-call state machine, filter pipeline,
// and streaming call surface that drive a single gRPC remote procedure call
// over an injected, already-framed transport stream.
//
// The package turns four RPC shapes (unary, client-streaming, server-streaming,
// bidirectional) into one Call type whose lifecycle enforces gRPC's message
// framing, metadata exchange, status reporting, cancellation, deadline, and
// flow-control rules. Channel connection management, credential negotiation,
// name resolution, load balancing, and code-generated stubs are not part of
// this package; they are expected to live behind the Channel and Transport
// interfaces declared here.
package callcore
