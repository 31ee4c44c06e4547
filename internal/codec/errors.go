package codec

import "errors"

// ErrUnavailable is returned when the requested encoder has no factory
// registered in this build (its build tag, e.g. vpx/x264/aom/webp, was not
// set), so callers can fall back to another entry in the registry instead
// of treating it as a setup failure.
var ErrUnavailable = errors.New("codec: encoder unavailable in this build")

// ErrSetupFailed wraps a native encoder library's own initialization
// failure (bad dimensions, codec library returned a non-OK status, ...).
var ErrSetupFailed = errors.New("codec: encoder setup failed")
