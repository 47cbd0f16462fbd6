package pool

import "os"

// Windows has no SIGTERM
var terminateSignal = os.Kill
