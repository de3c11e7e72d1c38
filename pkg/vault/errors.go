package vault

import "errors"

var (
	// ErrInvalidAmount is returned when a contribution or yield deposit
	// carries a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSlippageExceeded is returned when the venue's conversion output
	// fell below the caller's minimum. The whole conversion is rolled back.
	ErrSlippageExceeded = errors.New("conversion output below minimum")

	// ErrUnauthorized is returned for contribution or yield calls whose
	// source token does not match any registered source.
	ErrUnauthorized = errors.New("source is not authorized")

	// ErrUnknownBenefactor is returned when reading or claiming for a key
	// that has never contributed.
	ErrUnknownBenefactor = errors.New("unknown benefactor")

	// ErrInvalidBenefactorKey is returned when a benefactor identity is not
	// a valid base58 string.
	ErrInvalidBenefactorKey = errors.New("benefactor key must be base58")
)
