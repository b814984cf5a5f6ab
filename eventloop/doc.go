// Package eventloop provides a minimal single-goroutine task loop, intended
// to own a single-threaded engine (such as a JavaScript runtime).
//
// # Thread Safety
//
//   - [Loop.Submit], [Loop.Ref], [Loop.Unref], [Loop.Shutdown] and
//     [Loop.Close] are safe to call from any goroutine.
//   - Tasks run one at a time, in submission order, on the goroutine that
//     called [Loop.Run], which is locked to its OS thread.
//   - [Loop.IsLoopThread] reports whether the caller is that goroutine.
//
// # Lifecycle
//
// A loop runs until [Loop.Shutdown] or [Loop.Close] is called, its context is
// cancelled, or, with [WithExitWhenIdle], it has no queued work and no
// keep-alive references. Work submitted while the loop is terminating is still
// run; after termination, [Loop.Submit] fails with [ErrLoopTerminated].
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(ctx)
//	_ = loop.Submit(func() {
//	    // runs on the loop goroutine
//	})
//	_ = loop.Shutdown(ctx)
package eventloop
