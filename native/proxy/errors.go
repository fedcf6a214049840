package proxy

import "errors"

// Authorization errors: the caller's role does not match the action.
var (
	ErrNotOwner     = errors.New("proxy: caller is not the owner")
	ErrNotARelayer  = errors.New("proxy: caller is not a relayer")
	ErrNotGuardian  = errors.New("proxy: caller is not a guardian")
	ErrUnauthorized = errors.New("proxy: unauthorized")
)

// Replay and ordering errors: the relay transaction cannot be trusted.
var (
	ErrNonceMismatch = errors.New("proxy: nonce mismatch")
	ErrBadSignature  = errors.New("proxy: bad signature")
)

// State errors.
var (
	ErrFrozen                  = errors.New("proxy: wallet is frozen")
	ErrNoPendingRequest        = errors.New("proxy: no pending guardian rotation")
	ErrNotYetEligible          = errors.New("proxy: guardian rotation not yet eligible")
	ErrRotationAlreadyInFlight = errors.New("proxy: guardian rotation already in flight")
	ErrNoRotationInFlight      = errors.New("proxy: no guardian rotation in flight")
	ErrSameAddress             = errors.New("proxy: new owner equals current owner")
	ErrAlreadyExists           = errors.New("proxy: already exists")
	ErrDoesNotExist            = errors.New("proxy: does not exist")
	ErrSelfGuardianConflict    = errors.New("proxy: owner cannot be a guardian")
	ErrNoDelegateCode          = errors.New("proxy: no delegate code configured")
	ErrDelegateInstantiation   = errors.New("proxy: delegate instantiation failed")
)

// Input errors.
var (
	ErrInvalidGuardians = errors.New("proxy: invalid guardian set")
	ErrInvalidThreshold = errors.New("proxy: invalid threshold")
	ErrInvalidMessage   = errors.New("proxy: invalid message")
	ErrInvalidAddress   = errors.New("proxy: invalid address")
	ErrUnknownReplyID   = errors.New("proxy: unknown reply id")
)

var (
	errNilState        = errors.New("proxy engine: state not configured")
	errNotInstantiated = errors.New("proxy engine: wallet not instantiated")
	errInstantiated    = errors.New("proxy engine: wallet already instantiated")
	errNoStaging       = errors.New("proxy engine: state cannot stage relayed instructions")
)

// Error categories reported by Category.
const (
	CategoryAuthorization = "authorization"
	CategoryReplay        = "replay"
	CategoryState         = "state"
	CategoryInput         = "input"
	CategoryInternal      = "internal"
)

var categories = []struct {
	category string
	errs     []error
}{
	{CategoryAuthorization, []error{ErrNotOwner, ErrNotARelayer, ErrNotGuardian, ErrUnauthorized}},
	{CategoryReplay, []error{ErrNonceMismatch, ErrBadSignature}},
	{CategoryState, []error{
		ErrFrozen, ErrNoPendingRequest, ErrNotYetEligible, ErrRotationAlreadyInFlight,
		ErrNoRotationInFlight, ErrSameAddress, ErrAlreadyExists, ErrDoesNotExist,
		ErrSelfGuardianConflict, ErrNoDelegateCode, ErrDelegateInstantiation,
	}},
	{CategoryInput, []error{ErrInvalidGuardians, ErrInvalidThreshold, ErrInvalidMessage, ErrInvalidAddress, ErrUnknownReplyID}},
}

// Category classifies err into one of the Category* constants. Nil errors
// return the empty string.
func Category(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.category
			}
		}
	}
	return CategoryInternal
}
