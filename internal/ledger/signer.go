package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Signer holds the authority key that signs ledger transactions
type Signer struct {
	privateKey *ecdsa.PrivateKey
	authority  Authority
}

// NewSigner wraps an existing secp256k1 key
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key, authority: AuthorityOf(&key.PublicKey)}
}

// GenerateSigner creates a fresh authority key
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromHex parses a hex encoded private key
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authority key: %w", err)
	}
	return NewSigner(key), nil
}

// LoadOrCreateSigner reads the key file at path, generating and saving one when it
// does not exist yet.
func LoadOrCreateSigner(path string) (*Signer, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return NewSigner(key), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load authority key %s: %w", path, err)
	}

	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := crypto.SaveECDSA(path, signer.privateKey); err != nil {
		return nil, fmt.Errorf("failed to save authority key: %w", err)
	}
	logrus.Infof("Generated new ledger authority %s...", signer.authority.String()[:16])
	return signer, nil
}

// Authority returns the identity derived from the public key
func (s *Signer) Authority() Authority {
	return s.authority
}

// Sign signs the Keccak-256 digest of msg
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// AuthorityOf derives the 32-byte authority from a public key: the Keccak-256 hash of
// the uncompressed point without its prefix byte.
func AuthorityOf(pub *ecdsa.PublicKey) Authority {
	var a Authority
	copy(a[:], crypto.Keccak256(crypto.FromECDSAPub(pub)[1:]))
	return a
}

// RecoverAuthority returns the authority that produced sig over msg
func RecoverAuthority(msg, sig []byte) (Authority, error) {
	if len(sig) == 0 {
		return Authority{}, ErrMissingSignature
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return Authority{}, fmt.Errorf("%w: %v", ErrInvalidAuthority, err)
	}
	return AuthorityOf(pub), nil
}

// Transaction is signed instruction data
type Transaction struct {
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

// NewTransaction encodes and signs an instruction
func NewTransaction(s *Signer, inst Instruction) (Transaction, error) {
	data := inst.Encode()
	sig, err := s.Sign(data)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Data: data, Signature: sig}, nil
}
