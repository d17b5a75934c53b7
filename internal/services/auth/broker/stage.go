package broker

// Stage is the position of one authentication attempt in the login state
// machine. Failed is terminal; a failed attempt restarts at Initiated.
type Stage int

const (
	StageInitiated Stage = iota
	StageRedirected
	StageCallbackReceived
	StageVerified
	StageBound
	StageIssuedCredentials
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInitiated:
		return "initiated"
	case StageRedirected:
		return "redirected"
	case StageCallbackReceived:
		return "callback_received"
	case StageVerified:
		return "verified"
	case StageBound:
		return "bound"
	case StageIssuedCredentials:
		return "issued_credentials"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}
