package token

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PermitCredential is a signed permission object consumed at the start of a
// stake to authorize the pull without a prior approval transaction.
type PermitCredential struct {
	Deadline  uint64 `json:"deadline"`
	Signature []byte `json:"signature"`
}

// DelegateSig is a self-delegation credential forwarded verbatim to the
// receipt token alongside a stake.
type DelegateSig struct {
	Delegatee Address `json:"delegatee"`
	Nonce     uint64  `json:"nonce"`
	Expiry    uint64  `json:"expiry"`
	Signature []byte  `json:"signature"`
}

// AddressFromPubKey derives the ledger address of a secp256k1 public key:
// the last 20 bytes of the sha3-256 digest of the uncompressed key, hex
// encoded with a 0x prefix.
func AddressFromPubKey(pub *secp256k1.PublicKey) Address {
	digest := sha3.Sum256(pub.SerializeUncompressed())
	return Address("0x" + hex.EncodeToString(digest[12:]))
}

// PermitDigest builds the message digest a permit signature commits to.
func PermitDigest(owner, spender Address, amount *big.Int, deadline uint64) []byte {
	h := sha3.New256()
	h.Write([]byte("flexstake/permit"))
	h.Write([]byte(owner))
	h.Write([]byte(spender))
	h.Write(amount.Bytes())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], deadline)
	h.Write(buf[:])
	return h.Sum(nil)
}

// DelegationDigest builds the message digest a delegate-by-signature
// credential commits to.
func DelegationDigest(delegatee Address, nonce, expiry uint64) []byte {
	h := sha3.New256()
	h.Write([]byte("flexstake/delegate"))
	h.Write([]byte(delegatee))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], expiry)
	h.Write(buf[:])
	return h.Sum(nil)
}

// RecoverSigner recovers the address that produced a compact signature over
// digest.
func RecoverSigner(digest, signature []byte) (Address, error) {
	pub, _, err := ecdsa.RecoverCompact(signature, digest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return AddressFromPubKey(pub), nil
}

// SignDigest produces a compact recoverable signature over digest. Used by
// the localnet wiring and tests; production credentials arrive pre-signed.
func SignDigest(priv *secp256k1.PrivateKey, digest []byte) []byte {
	return ecdsa.SignCompact(priv, digest, false)
}
