// Package overlay abstracts the signaling overlay: an external, eventually
// consistent pub/sub graph of keyed nodes. The core never implements the
// overlay server itself — it is an external collaborator — but this package defines
// the contract every other component programs against, plus two concrete client
// transports: an in-memory graph for tests and single-process deployments, and a
// websocket client for talking to a real overlay hub.
//
// Callers must tolerate: no ordering guarantee across paths, eventual (seconds-scale)
// convergence on the same path, possible duplicate delivery, and stale reads.
package overlay

import (
	"context"
	"errors"
)

// ErrNotFound names a path that has never been written. Neither LocalGraph nor
// WebSocketClient returns it: Get reports such a path with Handle.Exists false.
var ErrNotFound = errors.New("overlay: path not found")

// ErrUnavailable is returned when the overlay transport is down. Consumers degrade
// gracefully: discovery falls back to the still-enabled
// sources, downloads proceed if a peer set is already known.
var ErrUnavailable = errors.New("overlay: unavailable")

// Handle is a read handle on a single path, returned by Get.
type Handle struct {
	Path  string
	Value []byte
	// Exists is false for a path that has never been written; Value is then nil.
	Exists bool
}

// Callback receives a change notification for a subscribed or one-shot path. It may
// be invoked more than once for the same logical update (at-least-once delivery).
type Callback func(path string, value []byte)

// Subscription represents an active subscribe(path, callback) registration.
type Subscription interface {
	// Close stops delivering further notifications. Idempotent.
	Close() error
}

// Graph is the signaling overlay client contract consumed by DHT, PEX, overlay
// discovery, content-availability announcements, and NAT-traversal candidate
// exchange.
type Graph interface {
	// Get produces a read handle for path. It does not block waiting for a write;
	// Exists is false if nothing has been published yet.
	Get(ctx context.Context, path string) (Handle, error)

	// Put publishes value as the leaf at path. Same-path updates converge via
	// last-writer-wins; Put does not guarantee ordering relative to updates on other
	// paths.
	Put(ctx context.Context, path string, value []byte) error

	// Subscribe delivers change notifications for path (and, if prefix is true,
	// every path sharing it as a prefix, e.g. "routing/*") until the returned
	// Subscription is closed; ctx is not watched after Subscribe returns. A new
	// subscriber converges to present
	// state: values published before it registered are replayed to it.
	Subscribe(ctx context.Context, path string, prefix bool, cb Callback) (Subscription, error)

	// Once delivers notifications for path until ctx is done, then closes its
	// subscription; it does not stop after the first delivery, so callers keep the
	// first value they see. LocalGraph delivers an already-published value once
	// without subscribing. Used for bounded-deadline rendezvous reads such as
	// hole-punch readiness markers and ICE candidate exchange.
	Once(ctx context.Context, path string, cb Callback) error

	// Close releases the client's resources. The overlay handle's lifetime is
	// "init at process start, teardown on shutdown"; it is passed explicitly
	// to every component that needs it rather than reached for as a singleton.
	Close() error
}
