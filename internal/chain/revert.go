package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError reports a call the node rejected during execution.
type RevertError struct {
	Reason string
	Data   []byte
	cause  error
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return e.cause.Error()
}

func (e *RevertError) Unwrap() error { return e.cause }

// asRevert converts node errors that carry revert data, or mention a revert,
// into *RevertError. Transport errors pass through unchanged.
func asRevert(err error) error {
	if err == nil {
		return nil
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			data, decodeErr := hexutil.Decode(raw)
			if decodeErr == nil {
				reason, unpackErr := abi.UnpackRevert(data)
				if unpackErr != nil {
					reason = strings.TrimPrefix(err.Error(), "execution reverted: ")
				}
				return &RevertError{Reason: reason, Data: data, cause: err}
			}
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "execution reverted") {
		reason := strings.TrimSpace(strings.TrimPrefix(msg, "execution reverted"))
		reason = strings.TrimPrefix(reason, ":")
		return &RevertError{Reason: strings.TrimSpace(reason), cause: err}
	}
	return err
}

// RevertReason returns the decoded reason when err is a revert.
func RevertReason(err error) (string, bool) {
	var rev *RevertError
	if errors.As(err, &rev) {
		if rev.Reason == "" {
			return rev.Error(), true
		}
		return rev.Reason, true
	}
	return "", false
}
