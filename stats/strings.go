package stats

// Stat names for the write buffer core.
//
// These are var instead of const since the APIs take *string to avoid a copy
// per increment.
var (
	StripeAllocOps       = "wb.stripe.alloc.operations"
	StripeFinishOps      = "wb.stripe.finish.operations"
	StripeReleaseOps     = "wb.stripe.release.operations"
	StripeReconstructOps = "wb.stripe.reconstruct.operations"
	StripePendingScans   = "wb.stripe.pending-scan.operations"

	StripeFlushOps        = "wb.stripe.flush.operations"
	StripeFlushBytes      = "wb.stripe.flush.bytes"
	StripeFlushOps4K      = "wb.stripe.flush.operations.size-up-to-4KB"
	StripeFlushOps8K      = "wb.stripe.flush.operations.size-up-to-8KB"
	StripeFlushOps16K     = "wb.stripe.flush.operations.size-up-to-16KB"
	StripeFlushOps32K     = "wb.stripe.flush.operations.size-up-to-32KB"
	StripeFlushOps64K     = "wb.stripe.flush.operations.size-up-to-64KB"
	StripeFlushOpsOver64K = "wb.stripe.flush.operations.size-over-64KB"

	StripeLoadOps        = "wb.stripe.load.operations"
	StripeLoadBytes      = "wb.stripe.load.bytes"
	StripeLoadOps4K      = "wb.stripe.load.operations.size-up-to-4KB"
	StripeLoadOps8K      = "wb.stripe.load.operations.size-up-to-8KB"
	StripeLoadOps16K     = "wb.stripe.load.operations.size-up-to-16KB"
	StripeLoadOps32K     = "wb.stripe.load.operations.size-up-to-32KB"
	StripeLoadOps64K     = "wb.stripe.load.operations.size-up-to-64KB"
	StripeLoadOpsOver64K = "wb.stripe.load.operations.size-over-64KB"

	RevMapStoreOps   = "wb.revmap.store.operations"
	RevMapStoreBytes = "wb.revmap.store.bytes"

	QosUsedStripeIncOps = "wb.qos.used-stripe.increase.operations"
	QosUsedStripeDecOps = "wb.qos.used-stripe.decrease.operations"

	BufferGetOps       = "wb.buffer.get.operations"
	BufferReturnOps    = "wb.buffer.return.operations"
	BufferExhaustedOps = "wb.buffer.exhausted.operations"
)
