package broker

import "errors"

// Sentinel errors returned across the broker's public API. Callers should
// match with errors.Is; wrapped forms carry additional context.
var (
	// ErrInvalidConfiguration indicates a SourceDescriptor or BrokerConfig
	// is missing a required field.
	ErrInvalidConfiguration = errors.New("broker: invalid configuration")

	// ErrTranscoderBinaryMissing indicates the configured transcoder
	// binary could not be located or executed.
	ErrTranscoderBinaryMissing = errors.New("broker: transcoder binary missing")

	// ErrNoPortAvailable indicates the port allocator's range is exhausted.
	ErrNoPortAvailable = errors.New("broker: no loopback port available")

	// ErrListenerBindFailed indicates the producer-intake listener could
	// not be opened on the leased port.
	ErrListenerBindFailed = errors.New("broker: listener bind failed")

	// ErrSpawnFailed indicates the transcoder subprocess failed to start.
	ErrSpawnFailed = errors.New("broker: transcoder spawn failed")

	// ErrChannelNotFound indicates no channel exists for the given key.
	ErrChannelNotFound = errors.New("broker: channel not found")

	// ErrSubscriberSendFailed indicates a sink rejected a broadcast frame.
	// Never surfaced across the public API; internal to the pipeline.
	ErrSubscriberSendFailed = errors.New("broker: subscriber send failed")

	// ErrSupervisorExited indicates an operation was attempted against a
	// channel whose transcoder has already exited.
	ErrSupervisorExited = errors.New("broker: supervisor exited")

	// ErrInternal wraps unexpected conditions the caller cannot act on:
	// a locked invariant was violated somewhere upstream.
	ErrInternal = errors.New("broker: internal error")
)
