package vault

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// PositionKey identifies a position by the Keccak-256 hash of
// (account, collateralToken, indexToken, direction).
type PositionKey [32]byte

func (k PositionKey) String() string {
	return hex.EncodeToString(k[:])
}

// PositionKeyFor derives the deterministic key for a position tuple.
func PositionKeyFor(account, collateralToken, indexToken string, isLong bool) PositionKey {
	h := sha3.NewLegacyKeccak256()
	for _, field := range []string{account, collateralToken, indexToken} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	if isLong {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	var key PositionKey
	h.Sum(key[:0])
	return key
}
