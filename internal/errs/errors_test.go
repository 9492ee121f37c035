package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"PerpCustody/internal/errs"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Class
	}{
		{"nil", nil, errs.ClassUnknown},
		{"plain", errors.New("boom"), errs.ClassUnknown},
		{"permission", errs.ErrInstructionNotAllowed, errs.ClassAuthorization},
		{"wrapped slippage", fmt.Errorf("trigger: %w", errs.ErrMaxPriceSlippage), errs.ClassMarket},
		{"double wrapped overflow", fmt.Errorf("a: %w", fmt.Errorf("b: %w", errs.ErrMathOverflow)), errs.ClassConsistency},
		{"length", errs.ErrInvalidAccountData, errs.ClassValidation},
		{"already signed", errs.ErrMultisigAlreadySigned, errs.ClassGovernance},
		{"stale nonce", errs.ErrMultisigStaleNonce, errs.ClassGovernance},
		{"expired", errs.ErrSignatureExpired, errs.ClassAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.Classify(tt.err))
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "ok", errs.Label(nil))
	assert.Equal(t, "market", errs.Label(errs.ErrLimitNotTriggered))
	assert.Equal(t, "unknown", errs.Label(errors.New("x")))
}
