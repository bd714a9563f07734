// Package encryption provides the public-key operations used off the ledger:
// voters encrypt ballots and sign requests, organizers generate and later
// disclose election keys, auditors decrypt tickets and recover signers.
package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidSignature = errors.New("invalid signature")

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair returns a fresh secp256k1 key pair as 0x-prefixed hex.
// The public key is in uncompressed form.
func (cs *CryptoService) GenerateKeyPair() (publicKey string, privateKey string, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)), hexutil.Encode(crypto.FromECDSA(key)), nil
}

// Encrypt seals plaintext to publicKey with ECIES and returns base64.
func (cs *CryptoService) Encrypt(plaintext []byte, publicKey string) (string, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (cs *CryptoService) Decrypt(ciphertext string, privateKey string) ([]byte, error) {
	prv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plaintext, err := ecies.ImportECDSA(prv).Decrypt(ct, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Sign creates a recoverable signature over keccak256(data).
func (cs *CryptoService) Sign(data []byte, privateKey string) (string, error) {
	prv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(cs.Keccak256(data), prv)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// RecoverAddress returns the address whose key produced signature over
// keccak256(data).
func (cs *CryptoService) RecoverAddress(data []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(with0x(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(cs.Keccak256(data), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature over data was made by the
// owner of publicKey.
func (cs *CryptoService) VerifySignature(data []byte, signature string, publicKey string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	signer, err := cs.RecoverAddress(data, signature)
	if err != nil {
		return false
	}
	return signer == crypto.PubkeyToAddress(*pub)
}

func (cs *CryptoService) AddressOf(privateKey string) (common.Address, error) {
	prv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(prv.PublicKey), nil
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

func ParsePrivateKey(key string) (*ecdsa.PrivateKey, error) {
	prv, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return prv, nil
}

func ParsePublicKey(key string) (*ecdsa.PublicKey, error) {
	raw, err := hexutil.Decode(with0x(key))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

func with0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
