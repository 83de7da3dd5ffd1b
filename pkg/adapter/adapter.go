package adapter

import (
	"context"

	"github.com/marmos91/dittoshare/pkg/peer"
)

// Adapter represents a listener that accepts sync sessions from remote
// peers and can be managed by server.Server.
//
// Lifecycle:
//  1. Creation: Adapter is created with transport-specific configuration
//  2. Peer injection: SetPeer() provides the local keyring and stores
//  3. Startup: Serve() starts listening and blocks until shutdown
//  4. Shutdown: Stop() closes open sessions and stops listening
//
// Thread safety:
// Implementations must be safe for concurrent use. SetPeer() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the listener and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// Returns:
	//   - nil on graceful shutdown
	//   - error if startup fails
	Serve(ctx context.Context) error

	// SetPeer injects the local peer whose shares are offered to remotes.
	//
	// Called exactly once by server.Server before Serve().
	SetPeer(p *peer.Peer)

	// Stop initiates graceful shutdown. It must be idempotent and safe to
	// call concurrently with Serve().
	Stop(ctx context.Context) error

	// Protocol returns the transport name for logging.
	Protocol() string

	// Port returns the port the adapter listens on, or 0 before it has
	// started listening.
	Port() int
}
