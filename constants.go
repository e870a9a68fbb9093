package hound

import "github.com/houndlabs/hound/internal/constants"

// Public re-exports of the tunables internal packages are built against,
// so callers can size queues and requests consistently with the library.
const (
	MaxRequests            = constants.MaxRequests
	DefaultQueueLen         = constants.DefaultQueueLen
	MaxParseRecordsPerCall  = constants.MaxParseRecordsPerCall
)
