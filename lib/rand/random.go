// Copyright (C) 2024 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand implements functions similar to math/rand in the standard
// library, but on top of a secure random number generator.
package rand

import (
	cryptoRand "crypto/rand"
	mathRand "math/rand"
)

// Reader is the standard crypto/rand.Reader, re-exported for convenience
var Reader = cryptoRand.Reader

// Character sets for the string generators. The default set avoids easily
// confused characters; the letter sets exist for identifiers with stricter
// alphabets (shared-folder suffixes, secrets).
const (
	randomCharset = "2345679abcdefghijkmnopqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ"
	lowerCharset  = "abcdefghijklmnopqrstuvwxyz"
	letterCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	// defaultSecureSource is a concurrency safe math/rand.Source with a
	// cryptographically sound base.
	defaultSecureSource = newSecureSource()

	// defaultSecureRand is a math/rand.Rand based on the secure source.
	defaultSecureRand = mathRand.New(defaultSecureSource)
)

// String returns a strongly random string of characters (taken from
// randomCharset) of the specified length. The returned string contains ~5.8
// bits of entropy per character, due to the character set used.
func String(l int) string {
	return fromCharset(l, randomCharset)
}

// LowerString returns a strongly random string of l lowercase ASCII
// letters.
func LowerString(l int) string {
	return fromCharset(l, lowerCharset)
}

// Letters returns a strongly random string of l ASCII letters of both
// cases.
func Letters(l int) string {
	return fromCharset(l, letterCharset)
}

func fromCharset(l int, charset string) string {
	bs := make([]byte, l)
	for i := range bs {
		bs[i] = charset[defaultSecureRand.Intn(len(charset))]
	}
	return string(bs)
}

// Int63 returns a strongly random int63.
func Int63() int64 {
	return defaultSecureSource.Int63()
}

// Int64 returns a strongly random int64.
func Int64() int64 {
	return int64(defaultSecureSource.Uint64())
}

// Intn returns, as an int, a non-negative strongly random number in [0,n).
// It panics if n <= 0.
func Intn(n int) int {
	return defaultSecureRand.Intn(n)
}
