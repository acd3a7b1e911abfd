package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
)

// IdentityKeyPair is the long-term identity key. A single Ed25519 seed backs
// both signing and, via the X25519 form of the same key, Diffie–Hellman, so a
// bundle needs to publish only one identity public key.
type IdentityKeyPair struct {
	Seed [32]byte `cbor:"seed"`
}

// GenerateIdentityKeyPair returns a fresh identity key pair.
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	var kp IdentityKeyPair
	if _, err := rand.Read(kp.Seed[:]); err != nil {
		return IdentityKeyPair{}, err
	}
	return kp, nil
}

// PublicKey returns the Ed25519 public key (the bundle's identityKey field).
func (k IdentityKeyPair) PublicKey() []byte {
	return ed25519.NewKeyFromSeed(k.Seed[:]).Public().(ed25519.PublicKey)
}

// Sign signs msg with the identity signing key.
func (k IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.Seed[:]), msg)
}

// DHPrivate returns the X25519 private scalar of the identity key,
// derived from the seed the same way Ed25519 derives its scalar.
func (k IdentityKeyPair) DHPrivate() X25519Private {
	h := sha512.Sum512(k.Seed[:])
	var priv X25519Private
	copy(priv[:], h[:32])
	clamp(&priv)
	return priv
}

// DHPublic returns the X25519 public key matching DHPrivate.
func (k IdentityKeyPair) DHPublic() (X25519Public, error) {
	return MontgomeryFromEd25519(k.PublicKey())
}

// Verify checks an identity-key signature over msg.
func Verify(identityPub, msg, sig []byte) bool {
	if len(identityPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(identityPub), msg, sig)
}

// MontgomeryFromEd25519 maps an Ed25519 public key to its X25519 form so a
// peer's published identity key can be used for Diffie–Hellman.
func MontgomeryFromEd25519(pub []byte) (X25519Public, error) {
	var out X25519Public
	if len(pub) != ed25519.PublicKeySize {
		return out, errors.New("identity key must be 32 bytes")
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, err
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}
