// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// KeyProvider supplies the decrypted cloud API key on demand.
//
// The engine never persists the key; it lives encrypted in a memguard
// enclave between uses and is decrypted only for the duration of a call.
type KeyProvider interface {
	// WithKey decrypts the key and passes it to fn. The plaintext buffer
	// is wiped when fn returns; fn must not retain the string.
	WithKey(fn func(key string) error) error
}

// EnclaveKeyProvider seals the API key in a memguard enclave.
//
// # Thread Safety
//
// Safe for concurrent use; enclave opens are independent.
type EnclaveKeyProvider struct {
	enclave *memguard.Enclave
}

// NewEnclaveKeyProvider seals key into an enclave and wipes the input
// slice.
func NewEnclaveKeyProvider(key []byte) (*EnclaveKeyProvider, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("empty API key")
	}
	// NewEnclave wipes the source buffer.
	return &EnclaveKeyProvider{enclave: memguard.NewEnclave(key)}, nil
}

// NewEnclaveKeyProviderFromEnv reads the key from envVar, falling back to
// secretPath (mounted container secret), and seals it. The environment
// variable is cleared after sealing.
func NewEnclaveKeyProviderFromEnv(envVar, secretPath string) (*EnclaveKeyProvider, error) {
	if v := os.Getenv(envVar); v != "" {
		os.Unsetenv(envVar)
		return NewEnclaveKeyProvider([]byte(v))
	}
	if secretPath != "" {
		raw, err := os.ReadFile(secretPath)
		if err == nil {
			return NewEnclaveKeyProvider([]byte(strings.TrimSpace(string(raw))))
		}
	}
	return nil, fmt.Errorf("%s not set and secret not found at %s", envVar, secretPath)
}

// WithKey opens the enclave, runs fn, and destroys the plaintext buffer.
func (p *EnclaveKeyProvider) WithKey(fn func(key string) error) error {
	buf, err := p.enclave.Open()
	if err != nil {
		return fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}
