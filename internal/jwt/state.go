package jwt

// State es un estado de la máquina de verificación:
//
//	Parsed → KeyResolved → SignatureChecked → ExpiryChecked → Verified
//
// con salida a Rejected(reason) desde cualquier estado no terminal.
type State int

const (
	StateParsed State = iota
	StateKeyResolved
	StateSignatureChecked
	StateExpiryChecked
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateKeyResolved:
		return "key_resolved"
	case StateSignatureChecked:
		return "signature_checked"
	case StateExpiryChecked:
		return "expiry_checked"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}
