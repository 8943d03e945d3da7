package apperror

import (
	"encoding/json"
	"errors"
)

// Encode serializes a business error so it can be replayed later for the same
// idempotency key. The returned type is the value of Type(err).
func Encode(err error) (string, []byte, error) {
	typ := Type(err)
	var payload any
	switch {
	case errors.Is(err, ErrValidation):
		vErr, ok := AsValidation(err)
		if !ok {
			vErr = &ValidationError{Code: "invalid", Message: err.Error()}
		}
		payload = vErr
	case errors.Is(err, ErrInsufficientBalance):
		var e *InsufficientBalanceError
		errors.As(err, &e)
		payload = e
	case errors.Is(err, ErrAccountClosed):
		var e *AccountClosedError
		errors.As(err, &e)
		payload = e
	case errors.Is(err, ErrNotFound):
		var e *NotFoundError
		errors.As(err, &e)
		payload = e
	default:
		payload = map[string]string{"message": err.Error()}
	}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		return "", nil, mErr
	}
	return typ, raw, nil
}

// Decode rebuilds the typed error stored by Encode.
func Decode(typ string, raw []byte) error {
	switch typ {
	case "validation_error":
		var e ValidationError
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return &e
	case "insufficient_balance":
		var e InsufficientBalanceError
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return &e
	case "account_closed":
		var e AccountClosedError
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return &e
	case "not_found":
		var e NotFoundError
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return &e
	default:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &body)
		return errors.New(body.Message)
	}
}
