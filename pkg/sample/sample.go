// Package sample decides which allocation requests to divert to the
// tracking allocator.
//
// Sampling is Poisson at the byte level: each allocated byte is selected
// independently with probability 1/period, so the gap between selected
// bytes is Exponential(period). Representing the sampler as a decrementing
// byte countdown makes the per-request decision a single subtraction.
package sample

import (
	"encoding/binary"
	"math"

	"golang.org/x/sys/unix"
)

// State carries one sampler's PRNG state and byte countdown.
//
// The zero value is ready to use: an all-zero PRNG state is the sentinel
// for "seed on first draw". A State must only ever be used by one owner at
// a time; it is never safe for concurrent use.
type State struct {
	s                    [4]uint64
	bytesUntilNextSample uint64
}

// SampleRequest subtracts the request from the byte countdown and reports
// whether this request should be sampled, i.e. whether the countdown ran
// out (borrow or zero result).
//
// Callers must invoke ResetCountdown whenever SampleRequest returns true,
// for all inputs including zero-byte requests: a true decision leaves the
// countdown wrapped around, and only the reset path draws a fresh gap.
func (s *State) SampleRequest(request uint64) bool {
	current := s.bytesUntilNextSample
	s.bytesUntilNextSample = current - request
	return request >= current
}

// ResetCountdown draws the next Exponential(period) sampling gap after
// SampleRequest returned true.
//
// The return value reports whether the PRNG had to be seeded during the
// draw. In that case the caller must re-run SampleRequest against the
// fresh countdown instead of sampling the current request: always sampling
// the first allocation would bias every new state toward its first request.
//
//go:noinline
func (s *State) ResetCountdown() bool {
	period := Period()
	newlyInitialized := false
	for {
		u, seeded := s.Uniform()
		newlyInitialized = newlyInitialized || seeded
		s.bytesUntilNextSample = uint64(-period * math.Log(u))
		if s.bytesUntilNextSample != 0 {
			return newlyInitialized
		}
	}
}

// Uniform returns a pseudorandom value from U(0, 1), along with whether
// the PRNG state was zero-filled and had to be seeded.
//
// Exposed for testing.
func (s *State) Uniform() (float64, bool) {
	// The bit pattern of 1.0: OR-ing 52 random mantissa bits into it
	// yields a double in [1, 2).
	const oneBits = 0x3ff0000000000000

	newlyInitialized := false
	bits := s.next()
	if bits == 0 {
		bits = s.uniformSlowPath(&newlyInitialized)
	}

	return math.Float64frombits(oneBits|bits) - 1.0, newlyInitialized
}

// We use xoshiro256+ 1.0 to generate floating point uniform variates.
//
// Written in 2018 by David Blackman and Sebastiano Vigna (vigna@acm.org)
// and dedicated to the public domain (CC0).
//
// Only the top 52 bits are returned: that's all a double's significand
// needs, and the low bits of the xoshiro+ family are less uniform.
func (s *State) next() uint64 {
	const significandBits = 52

	result := s.s[0] + s.s[3]
	t := s.s[1] << 17

	s.s[2] ^= s.s[0]
	s.s[3] ^= s.s[1]
	s.s[1] ^= s.s[2]
	s.s[0] ^= s.s[3]

	s.s[2] ^= t

	s.s[3] = rotl(s.s[3], 45)

	return result >> (64 - significandBits)
}

func rotl(x uint64, k uint) uint64 {
	return (x << k) | (x >> (64 - k))
}

//go:noinline
func (s *State) uniformSlowPath(newlyInitialized *bool) uint64 {
	for {
		// If the random state is all 0, we have to seed it.
		if s.maybeSeed() {
			*newlyInitialized = true
		}
		if bits := s.next(); bits != 0 {
			return bits
		}
	}
}

// maybeSeed reports whether the state was zero-filled and had to be
// seeded from the OS entropy source.
func (s *State) maybeSeed() bool {
	for _, word := range s.s {
		if word != 0 {
			return false
		}
	}

	var buf [32]byte
	for filled := 0; filled < len(buf); {
		n, err := unix.Getrandom(buf[filled:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			panic("poireau: getrandom failed; cannot produce unbiased samples")
		}
		filled += n
	}
	for i := range s.s {
		s.s[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}

	return true
}
