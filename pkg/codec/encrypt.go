// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptedPrefix marks string values produced by the codec's field encryption.
	EncryptedPrefix = "enc:v1:"

	EncryptionAESGCM = "aes-gcm"

	keySize          = 32
	pbkdf2Iterations = 100_000
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Encryptor encrypts single field values. Implementations must be safe for
// concurrent use.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESGCM is an Encryptor using AES-256-GCM with a random nonce prepended to
// every ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an AESGCM from a raw 16, 24 or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// NewAESGCMFromMasterKey derives a per-collection key from master with
// HKDF-SHA256, so one master key never encrypts two collections directly.
func NewAESGCMFromMasterKey(master []byte, collection string) (*AESGCM, error) {
	if len(master) == 0 {
		return nil, errors.New("master key is empty")
	}

	key := make([]byte, keySize)

	r := hkdf.New(sha256.New, master, nil, []byte("docrepo:"+collection))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return NewAESGCM(key)
}

// NewAESGCMFromPassphrase derives a key with PBKDF2-SHA256. The salt is fixed
// per collection so that the same passphrase always opens the same data.
func NewAESGCMFromPassphrase(passphrase, collection string) (*AESGCM, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}

	salt := sha256.Sum256([]byte("docrepo-salt:" + collection))
	key := pbkdf2.Key([]byte(passphrase), salt[:16], pbkdf2Iterations, keySize, sha256.New)

	return NewAESGCM(key)
}

func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	size := a.aead.NonceSize()
	if len(ciphertext) < size {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := a.aead.Open(nil, ciphertext[:size], ciphertext[size:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ciphertext: %w", err)
	}

	return plaintext, nil
}
