package jwtauth

import (
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	defaultKeyAlgorithms = []jose.KeyAlgorithm{
		jose.RSA_OAEP,
		jose.RSA_OAEP_256,
		jose.ECDH_ES,
		jose.ECDH_ES_A128KW,
		jose.ECDH_ES_A256KW,
		jose.DIRECT,
	}
	defaultContentEncryption = []jose.ContentEncryption{
		jose.A128GCM,
		jose.A192GCM,
		jose.A256GCM,
		jose.A128CBC_HS256,
		jose.A256CBC_HS512,
	}
)

// Decrypter unwraps compact JWE tokens whose plaintext is a signed JWT.
type Decrypter struct {
	key     any
	keyAlgs []jose.KeyAlgorithm
	encAlgs []jose.ContentEncryption
}

// NewDecrypter returns a Decrypter using key (an *rsa.PrivateKey,
// *ecdsa.PrivateKey or []byte for "dir").
func NewDecrypter(key any) (*Decrypter, error) {
	if key == nil {
		return nil, errors.New("decryption key is required")
	}
	return &Decrypter{
		key:     key,
		keyAlgs: defaultKeyAlgorithms,
		encAlgs: defaultContentEncryption,
	}, nil
}

// Decrypt returns the compact JWS carried inside raw.
func (d *Decrypter) Decrypt(raw string) (string, error) {
	if strings.Count(raw, ".") != 4 {
		return "", errors.New("token is not a compact JWE")
	}
	jwe, err := jose.ParseEncrypted(raw, d.keyAlgs, d.encAlgs)
	if err != nil {
		return "", fmt.Errorf("parse jwe: %w", err)
	}
	plaintext, err := jwe.Decrypt(d.key)
	if err != nil {
		return "", fmt.Errorf("decrypt jwe: %w", err)
	}
	return string(plaintext), nil
}
