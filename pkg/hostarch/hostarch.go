// Copyright 2025 The gVisor Authors.
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

// Package hostarch describes the page geometry and address types shared by
// the runtime loader and the address spaces it maps images into.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown[T ~uint32 | ~uint64 | ~uintptr](x T) T {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func PageRoundUp[T ~uint32 | ~uint64 | ~uintptr](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageSize - 1)
	ok = val >= x
	return
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}
