// Package corerr defines the sentinel errors for the host-side-fatal error
// class. Guest-visible faults and programming-error
// soft-ignores are never represented as Go errors; only conditions that
// must surface to the embedder and push a device to NEEDS_RESET live here.
package corerr

import "github.com/pkg/errors"

var (
	// ErrNeedsReset is wrapped around any host-side-fatal error returned to
	// the embedder; the offending device transitions to NEEDS_RESET (or,
	// for virtio, sets DEVICE_NEEDS_RESET in device_status) rather than
	// crashing the VM.
	ErrNeedsReset = errors.New("device needs reset")

	// ErrRingBounds reports a virtqueue descriptor/avail/used access that
	// would read or write outside [ring_base, ring_base+layout_size).
	ErrRingBounds = errors.New("virtqueue access out of bounds")

	// ErrUnknownSnapshotVersion reports a SnapshotRecord whose version this
	// build does not know how to decode.
	ErrUnknownSnapshotVersion = errors.New("unknown snapshot record version")

	// ErrGuestDMAOutOfRange reports a DMA access whose (addr, len) falls
	// outside guest RAM.
	ErrGuestDMAOutOfRange = errors.New("guest DMA access out of range")

	// ErrCapabilityListCorrupt reports a capability list that failed to
	// parse during config-space construction or restore.
	ErrCapabilityListCorrupt = errors.New("pci capability list corrupt")
)

// needsReset wraps an underlying cause and satisfies errors.Is(err,
// ErrNeedsReset) while still unwrapping to the original cause.
type needsReset struct {
	context string
	cause   error
}

func (e *needsReset) Error() string { return e.context + ": " + e.cause.Error() }
func (e *needsReset) Unwrap() error { return e.cause }
func (e *needsReset) Is(target error) bool { return target == ErrNeedsReset }

// Wrap marks err as a NEEDS_RESET-class fault, preserving the original
// error for errors.Is/errors.As callers and the pkg/errors stack trace on
// the wrapped cause.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return &needsReset{context: context, cause: errors.WithStack(err)}
}
