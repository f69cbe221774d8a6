package colo

import "github.com/lukasstraub2/colod/internal/logging"

// Logger is an alias to the shared logging facade (internal/logging),
// so callers can name it `colo.Logger` the way they name
// `colo.EventQueue`, `colo.RLock`, etc. Code inside this package uses
// logging.Logger directly.
type Logger = logging.Logger

var (
	NewLogger      = logging.NewLogger
	NewTraceLogger = logging.NewTraceLogger
	NewNullLogger  = logging.NewNullLogger
)
