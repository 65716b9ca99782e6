// Copyright (C) 2024 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rand

import (
	"testing"
)

func TestRandomString(t *testing.T) {
	for _, l := range []int{0, 1, 8, 42} {
		s := String(l)
		if len(s) != l {
			t.Errorf("Incorrect length %d != %d", len(s), l)
		}
	}

	seen := make([]string, 1000)
	for i := range seen {
		seen[i] = String(8)
		for j := range seen[:i] {
			if seen[i] == seen[j] {
				t.Errorf("Repeated random string %q", seen[i])
			}
		}
	}
}

func TestCharsets(t *testing.T) {
	s := LowerString(256)
	if len(s) != 256 {
		t.Fatalf("Incorrect length %d != 256", len(s))
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			t.Fatalf("Character %q outside the lowercase charset", r)
		}
	}

	s = Letters(256)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			t.Fatalf("Character %q outside the letters charset", r)
		}
	}
}

func TestSeedNotSupported(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Seed should panic")
		}
	}()
	newSecureSource().Seed(42)
}

func TestRandomInt64(t *testing.T) {
	// This test will fail once in every 2^63 runs, approximately.
	if Int64() == Int64() && Int64() == Int64() {
		t.Error("suspiciously repeated random int64")
	}
}

func BenchmarkRandomString16(b *testing.B) {
	for i := 0; i < b.N; i++ {
		String(16)
	}
	b.ReportAllocs()
}
