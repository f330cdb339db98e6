package pickledec

import "log"

// nopLogger discards everything. It backs Interp when constructed without a
// Logger directly (tests, mostly); Decompile always resolves Config.Log to
// StdLogger{} before an Interp is ever built, so a host never sees this
// silently swallow a warning it cares about.
type nopLogger struct{}

func (nopLogger) Infof(format string, args ...any)  {}
func (nopLogger) Debugf(format string, args ...any) {}
func (nopLogger) Errorf(format string, args ...any) {}

// StdLogger is the default Logger, backed by the standard log package, so
// Decompile always has somewhere to send its warnings (an unsupported
// opcode, a PROTO not at the start offset, a truncated stream) without
// forcing a specific logging framework on the host.
type StdLogger struct{}

func (StdLogger) Infof(format string, args ...any)  { log.Printf("INFO "+format, args...) }
func (StdLogger) Debugf(format string, args ...any) { log.Printf("DEBUG "+format, args...) }
func (StdLogger) Errorf(format string, args ...any) { log.Printf("ERROR "+format, args...) }
