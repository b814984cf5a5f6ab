// Package hostbridge lets Go code safely hold values that belong to a
// single-threaded embedded engine (for example a JavaScript runtime), and
// lets work running on arbitrary goroutines hop back onto the one goroutine
// that owns those values.
//
// # Entries and Scopes
//
// Every call from the engine into Go must be wrapped in [WithEntry], which
// opens a managed [Scope] bound to the engine's [Instance]. Scopes form a
// per-goroutine stack; [Current] returns the innermost one, and calling any
// engine-affecting operation without one panics with a [*FatalError]
// wrapping [ErrInvalidThreadAccess].
//
// Engine values are wrapped in a [Handle] via [NewHandle]. A handle starts
// out transient (valid only while its Scope is on the stack) and may be
// promoted to a durable engine reference, either explicitly via
// [Handle.Promote], or implicitly by returning it from the entry. Releasing a durable handle, or
// losing the last reference to it, never calls the engine directly: the
// reference is queued per instance, and deleted at the next Scope entry.
//
// [WithUnmanaged] opens a cheaper, nested Scope, from which only the body's
// returned handle escapes. With escape verification enabled (see
// [WithEscapeVerification] and the hostbridge_strict build tag), any other
// handle that outlives an unmanaged Scope is a fatal error.
//
// # Dispatch Queues
//
// A [DispatchQueue] wraps the engine's thread-safe call primitive, allowing
// any goroutine to schedule a [Callback] on the engine goroutine. Queues may
// bound their depth ([WithMaxQueueDepth]), applying backpressure to blocking
// calls, and failing non-blocking calls fast with [ErrQueueFull]. Once a queue
// is closed, or its primitive has been finalized by the engine, every call
// fails with [ErrClosing], and every accepted call that had not yet run
// completes with [ErrClosing], exactly once.
//
// A [LiveHandle] keeps the engine's loop alive for as long as it is held.
//
// # Affinity
//
// The ambient queue is carried by a [context.Context] ([WithQueue]). [Run]
// executes a function on the ambient queue's engine goroutine and waits for
// its result, honoring cancellation until the function starts. Goroutines do
// not inherit affinity unless they are handed the context, which is why every
// affinity-aware function takes one explicitly.
package hostbridge
