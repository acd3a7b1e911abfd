package domain

// DefaultDeviceID is the single device id each identity uses. Multi-device
// fan-out is out of scope.
const DefaultDeviceID uint32 = 1

// SignedPreKeyPublic is the public half of a signed prekey as published in a
// bundle. Signature covers PublicKey and verifies against the bundle's
// identity key.
type SignedPreKeyPublic struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// OneTimePreKeyPublic is the public half of a one-time prekey as published in
// a bundle.
type OneTimePreKeyPublic struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// KyberPreKeyPublic is the public half of a post-quantum encapsulation prekey
// as published in a bundle.
type KyberPreKeyPublic struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// Bundle is the publishable snapshot of an identity's current public key
// material, used by a peer to start a session. The relay stores the latest
// published bundle per identity with overwrite semantics.
type Bundle struct {
	ID             string              `json:"id"`
	DeviceID       uint32              `json:"deviceId"`
	RegistrationID uint32              `json:"registrationId"`
	IdentityKey    []byte              `json:"identityKey"`
	SignedPreKey   SignedPreKeyPublic  `json:"signedPreKey"`
	PreKey         OneTimePreKeyPublic `json:"preKey"`
	KyberPreKey    KyberPreKeyPublic   `json:"kyberPreKey"`
}
