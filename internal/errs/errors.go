// Package errs holds the settlement error taxonomy shared by every layer.
package errs

import "errors"

// Authorization errors. Fatal to the request, no state change.
var (
	ErrInstructionNotAllowed        = errors.New("instruction not allowed")
	ErrInvalidOwner                 = errors.New("signer is not the position owner")
	ErrIllegalOwner                 = errors.New("illegal account owner")
	ErrMultisigAccountNotAuthorized = errors.New("signer is not a multisig admin")
	ErrInvalidSignature             = errors.New("invalid signature")
	ErrSignatureExpired             = errors.New("signature deadline passed")
)

// Input validation errors.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidAccountData = errors.New("invalid account data")
	ErrInvalidDerivation  = errors.New("account address does not match derivation")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountNotDeclared = errors.New("account not declared for this operation")
	ErrUnsupportedOracle  = errors.New("unsupported oracle type")
	ErrInvalidMint        = errors.New("token account mint mismatch")
)

// Market and risk errors. Expected; the caller retries with fresh inputs.
var (
	ErrMaxPriceSlippage    = errors.New("price slippage limit exceeded")
	ErrLimitNotTriggered   = errors.New("position limits not triggered")
	ErrStaleOrInvalidPrice = errors.New("stale or invalid oracle price")
)

// Consistency errors. Abort the whole unit of work.
var (
	ErrMathOverflow       = errors.New("overflow in arithmetic operation")
	ErrCustodyAmountLimit = errors.New("custody amount limit exceeded")
	ErrInsufficientFunds  = errors.New("insufficient funds")
)

// Governance errors.
var (
	ErrMultisigAlreadySigned   = errors.New("instruction already signed by this admin")
	ErrMultisigAlreadyExecuted = errors.New("instruction already executed")
	ErrMultisigStaleNonce      = errors.New("instruction nonce does not match the multisig")
)

// Class groups errors for status mapping and metric labels.
type Class int

const (
	ClassUnknown Class = iota
	ClassAuthorization
	ClassValidation
	ClassMarket
	ClassConsistency
	ClassGovernance
)

func (c Class) String() string {
	switch c {
	case ClassAuthorization:
		return "authorization"
	case ClassValidation:
		return "validation"
	case ClassMarket:
		return "market"
	case ClassConsistency:
		return "consistency"
	case ClassGovernance:
		return "governance"
	default:
		return "unknown"
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassAuthorization, []error{
		ErrInstructionNotAllowed, ErrInvalidOwner, ErrIllegalOwner,
		ErrMultisigAccountNotAuthorized, ErrInvalidSignature, ErrSignatureExpired,
	}},
	{ClassValidation, []error{
		ErrInvalidArgument, ErrInvalidAccountData, ErrInvalidDerivation,
		ErrAccountNotFound, ErrAccountNotDeclared, ErrUnsupportedOracle, ErrInvalidMint,
	}},
	{ClassMarket, []error{ErrMaxPriceSlippage, ErrLimitNotTriggered, ErrStaleOrInvalidPrice}},
	{ClassConsistency, []error{ErrMathOverflow, ErrCustodyAmountLimit, ErrInsufficientFunds}},
	{ClassGovernance, []error{ErrMultisigAlreadySigned, ErrMultisigAlreadyExecuted, ErrMultisigStaleNonce}},
}

// Classify returns the class of the first known sentinel found in err's chain.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, group := range classes {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassUnknown
}

// Label is a short metric label for err: the sentinel's class, or "ok" for nil.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	return Classify(err).String()
}
