package fill

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"intent-relayer/internal/errs"
)

// VerifyTypedSignature recovers the EIP-712 signer of data and compares it
// with signer. Both 0/1 and 27/28 recovery ids are accepted.
func VerifyTypedSignature(signer common.Address, data apitypes.TypedData, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return errs.Newf(errs.CodeInvalidArgument, "signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidArgument, err, "invalid typedData")
	}

	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidArgument, err, "recover signer")
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != signer {
		return errs.Newf(errs.CodeInvalidArgument, "signature signed by %s, not account %s", recovered.Hex(), signer.Hex())
	}
	return nil
}
