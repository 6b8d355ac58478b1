package venue

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeOrderRequest produces the canonical msgpack wire form of an order
// request. Field order is fixed so the encoding, and therefore the order
// key, is deterministic.
func EncodeOrderRequest(req OrderRequest) ([]byte, error) {
	if req.Market == "" {
		return nil, errors.New("order market is required")
	}
	if !req.SizeDelta.IsPositive() && !req.CollateralDelta.IsPositive() {
		return nil, errors.New("order requires a size or collateral delta")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(5); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("market"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(req.Market); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("sizeDelta"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(req.SizeDelta.String()); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("collateralDelta"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(req.CollateralDelta.String()); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("isIncrease"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(req.IsIncrease); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("nonce"); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(req.Nonce); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RequestKey derives the pending order key for a request: keccak-256 of
// its canonical wire encoding.
func RequestKey(req OrderRequest) (OrderKey, error) {
	payload, err := EncodeOrderRequest(req)
	if err != nil {
		return OrderKey{}, err
	}
	var key OrderKey
	copy(key[:], crypto.Keccak256(payload))
	return key, nil
}
