package verification

// CancelCode is one of the fixed m.key.verification.cancel reason codes
// (original_source/src/cm-olm-sas.c's cancel_code vocabulary).
type CancelCode string

const (
	CancelUser              CancelCode = "m.user"
	CancelTimeout           CancelCode = "m.timeout"
	CancelUnknownMethod     CancelCode = "m.unknown_method"
	CancelKeyMismatch       CancelCode = "m.key_mismatch"
	CancelUserMismatch      CancelCode = "m.user_mismatch"
	CancelUnexpectedMessage CancelCode = "m.unexpected_message"
)
