package model

// ErrorKind names a class of failure visible to clients.
type ErrorKind string

// Synchronous kinds are reported on the initial request, terminal kinds on the
// stream, connection kinds on the duplex connection attempt.
const (
	KindValidation         ErrorKind = "validation_error"
	KindNoCompatible       ErrorKind = "no_compatible_backend"
	KindBackendUnavailable ErrorKind = "backend_unavailable"

	KindBackendTransient ErrorKind = "backend_transient_error"
	KindBackendPermanent ErrorKind = "backend_permanent_error"
	KindBackendTimeout   ErrorKind = "backend_timeout"

	KindStreamNotFound      ErrorKind = "stream_not_found"
	KindDuplicateConnection ErrorKind = "duplicate_connection"
)

// JobError is a typed failure carried by a terminal outcome.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
