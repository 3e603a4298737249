// Package keyx generates the primes and runs the Diffie-Hellman exchange that keys a session.
package keyx

import (
	"math/bits"
	"math/rand/v2"
)

// Rounds is the number of Miller-Rabin trials a candidate must survive.
const Rounds = 1024

// smallPrimes is the trial-division filter applied before Miller-Rabin.
var smallPrimes = [...]uint64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59,
	61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107, 109, 113, 127, 131,
	137, 139, 149, 151, 157, 163, 167, 173, 179, 181, 191, 193, 197,
	199, 211, 223, 227, 229, 233, 239, 241, 251, 257, 263, 269, 271,
	277, 281, 283, 293, 307, 311, 313, 317, 331, 337, 347, 349,
}

// SmallPrimes returns a copy of the trial-division list.
func SmallPrimes() []uint64 {
	out := make([]uint64, len(smallPrimes))
	copy(out, smallPrimes[:])
	return out
}

// Prime returns a random prime of exactly the given bit width (2..64).
func Prime(size int) uint64 {
	for {
		candidate := randomOdd(size)
		if !passesTrialDivision(candidate) {
			continue
		}
		if millerRabin(candidate, Rounds) {
			return candidate
		}
	}
}

// IsProbablePrime runs the trial-division filter followed by Miller-Rabin.
func IsProbablePrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for _, p := range smallPrimes {
		if n == p {
			return true
		}
	}
	if !passesTrialDivision(n) {
		return false
	}
	return millerRabin(n, Rounds)
}

// randomOdd samples an odd integer with the top bit of the width set.
func randomOdd(size int) uint64 {
	if size < 2 || size > 64 {
		panic("keyx: bit size out of range")
	}
	v := rand.Uint64()
	if size < 64 {
		v &= 1<<uint(size) - 1
	}
	return v | 1<<uint(size-1) | 1
}

// passesTrialDivision is a cheap filter against small factors, not a primality proof.
func passesTrialDivision(n uint64) bool {
	for _, p := range smallPrimes {
		if n%p == 0 {
			return n == p
		}
	}
	return true
}

func millerRabin(n uint64, rounds int) bool {
	if n < 5 {
		return n == 2 || n == 3
	}
	if n%2 == 0 {
		return false
	}
	d := n - 1
	s := 0
	for d%2 == 0 {
		d >>= 1
		s++
	}

	for i := 0; i < rounds; i++ {
		a := 2 + rand.Uint64N(n-3)
		if witness(a, d, s, n) {
			return false
		}
	}
	return true
}

// witness reports whether a proves n composite.
func witness(a, d uint64, s int, n uint64) bool {
	x := powMod(a, d, n)
	if x == 1 || x == n-1 {
		return false
	}
	for r := 1; r < s; r++ {
		x = mulMod(x, x, n)
		if x == n-1 {
			return false
		}
	}
	return true
}

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a%m, b%m)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

func powMod(base, exp, m uint64) uint64 {
	if m == 1 {
		return 0
	}
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base, m)
		}
		base = mulMod(base, base, m)
		exp >>= 1
	}
	return result
}
