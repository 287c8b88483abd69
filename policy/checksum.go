// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChecksum is returned when a descriptor checksum does not match
	// its body.
	ErrChecksum = errors.New("descriptor checksum mismatch")
)

const (
	// inputCharset groups the characters allowed in a descriptor so that
	// case and symbol errors are detected.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 character set.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	checksumLen = 8
)

var checksumGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func polymod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i, gen := range checksumGenerator {
		if (c0>>uint(i))&1 != 0 {
			c ^= gen
		}
	}

	return c
}

// DescriptorChecksum returns the BIP380 checksum of a descriptor body.
func DescriptorChecksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      uint64
		clsCount int
	)

	for i := 0; i < len(desc); i++ {
		pos := strings.IndexByte(inputCharset, desc[i])
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid character %q",
				ErrInvalidDescriptor, desc[i])
		}

		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLen; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sum [checksumLen]byte
	for i := 0; i < checksumLen; i++ {
		sum[i] = checksumCharset[(c>>(5*(7-uint(i))))&31]
	}

	return string(sum[:]), nil
}

// AddChecksum appends "#checksum" to a descriptor body.
func AddChecksum(desc string) (string, error) {
	sum, err := DescriptorChecksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + sum, nil
}

// splitChecksum separates the body from an optional checksum and verifies
// the checksum when present.
func splitChecksum(s string) (string, error) {
	hash := strings.LastIndexByte(s, '#')
	if hash < 0 {
		return s, nil
	}

	body, sum := s[:hash], s[hash+1:]
	if len(sum) != checksumLen {
		return "", fmt.Errorf("%w: checksum %q has wrong length",
			ErrChecksum, sum)
	}

	want, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", fmt.Errorf("%w: got %s, want %s", ErrChecksum, sum,
			want)
	}

	return body, nil
}
