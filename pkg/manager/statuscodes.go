package manager

import "github.com/vinequeue/manager/pkg/types"

// Worker-reported result status bits, grounded on
// original_source/work_queue/src/work_queue.h's WORK_QUEUE_RESULT_*
// flags (the taskvine wire protocol preserves the same bit layout).
const (
	statusSuccess            = 0
	statusInputMissing       = 1
	statusOutputMissing      = 2
	statusStdoutMissing      = 4
	statusSignal             = 8
	statusResourceExhaustion = 16
	statusTaskTimeout        = 32
	statusUnknown            = 64
	statusForsaken           = 128
	statusMaxRetries         = 256
	statusTaskMaxRunTime     = 512
)

// resultCodeForStatus classifies a worker's reported status bitmask into
// the task's terminal result code, per spec.md sections 4.6/4.7/7. Bits
// are checked in priority order: forsaken first, then resource
// exhaustion, timeout, signal and missing files. handleResult sends the
// forsaken and resource-exhaustion codes to their own retry paths.
func resultCodeForStatus(status int) types.ResultCode {
	switch {
	case status&statusForsaken != 0:
		return types.ResultForsaken
	case status&statusResourceExhaustion != 0:
		return types.ResultResourceExhaustion
	case status&(statusTaskTimeout|statusTaskMaxRunTime) != 0:
		return types.ResultTaskTimeout
	case status&statusSignal != 0:
		return types.ResultSignal
	case status&(statusInputMissing|statusOutputMissing) != 0:
		return types.ResultOutputTransferError
	case status == statusSuccess, status&statusStdoutMissing != 0:
		return types.ResultSuccess
	default:
		return types.ResultUnknown
	}
}
