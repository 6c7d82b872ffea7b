package controller

import "errors"

// ErrConfig is the fatal error returned when a playlist item references a
// listener (SRT-listener or RTMP) for which no listener was pre-created at
// construction time.
var ErrConfig = errors.New("controller: no pre-created listener for item")

// ErrFactory wraps an engine rejection of input-node creation. It is fatal to
// the item being created; it propagates out of update() to whichever public
// call (Start/Switch) triggered it, and is also surfaced as an Event on the
// Events() channel.
var ErrFactory = errors.New("controller: source factory failed")

// ErrClosed is returned by public entry points called after Close.
var ErrClosed = errors.New("controller: closed")
