// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credentials supplies the bearer token attached to chat requests.
//
// Acquiring and refreshing tokens is out of scope; a Source only hands out
// whatever token it currently holds.
package credentials

import (
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

// Source yields the current bearer token.
//
// The boolean is false when no token is available; requests are then sent
// without an Authorization header.
type Source interface {
	Token() (string, bool)
}

// Func adapts a function to Source.
type Func func() (string, bool)

// Token calls f.
func (f Func) Token() (string, bool) { return f() }

// Static returns a Source that always yields token. An empty token yields
// nothing.
func Static(token string) Source {
	return Func(func() (string, bool) { return token, token != "" })
}

// None is a Source without a token.
var None Source = Func(func() (string, bool) { return "", false })

// Env returns a Source reading the named environment variable on every call.
func Env(name string) Source {
	return Func(func() (string, bool) {
		v := os.Getenv(name)
		return v, v != ""
	})
}

// =============================================================================
// Enclave
// =============================================================================

// Enclave keeps the token encrypted in memguard-protected memory and only
// decrypts it for the duration of a Token call.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - The string returned by Token is ordinary heap memory. It lives as
//     long as the request that carries it.
type Enclave struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewEnclave seals token. The token bytes handed to memguard are wiped.
func NewEnclave(token string) *Enclave {
	e := &Enclave{}
	if token != "" {
		e.enclave = memguard.NewEnclave([]byte(token))
	}
	return e
}

// Token decrypts and returns the sealed token.
func (e *Enclave) Token() (string, bool) {
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.enclave == nil {
		return "", false
	}
	buf, err := e.enclave.Open()
	if err != nil {
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}

// Destroy drops the sealed token. Later Token calls yield nothing.
func (e *Enclave) Destroy() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enclave = nil
}

var (
	_ Source = Func(nil)
	_ Source = (*Enclave)(nil)
)
