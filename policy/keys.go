// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrInvalidKey is returned when a key expression cannot be parsed.
	ErrInvalidKey = errors.New("invalid key expression")

	// ErrUnresolvableKey is returned when a policy references a key the
	// key source does not know.
	ErrUnresolvableKey = errors.New("unresolvable key")
)

// KeySource resolves the key identifiers used in a policy to concrete key
// expressions.
type KeySource interface {
	// ResolveKey returns the key expression for the identifier.
	ResolveKey(id string) (*KeyExpr, error)
}

// KeyMap is a KeySource backed by a fixed set of aliases. Identifiers that
// are not aliases are parsed as key expressions.
type KeyMap map[string]*KeyExpr

// A compile-time assertion to ensure KeyMap implements KeySource.
var _ KeySource = KeyMap(nil)

// ResolveKey implements KeySource.
func (m KeyMap) ResolveKey(id string) (*KeyExpr, error) {
	if key, ok := m[id]; ok {
		return key, nil
	}

	key, err := ParseKeyExpr(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvableKey, id)
	}

	return key, nil
}

// KeyExpr is a descriptor key expression: an optional origin, then either a
// bare compressed public key or an extended key followed by a child path that
// may end in a wildcard.
type KeyExpr struct {
	// Fingerprint is the origin master key fingerprint in the little
	// endian form used by PSBT derivation records. Zero when no origin is
	// given.
	Fingerprint uint32

	// OriginPath is the path from the origin master key to Extended.
	OriginPath []uint32

	// hasOrigin is true when the expression carried a [fp/path] prefix.
	hasOrigin bool

	// PubKey is set for bare public keys.
	PubKey *btcec.PublicKey

	// Extended is set for xpub/xprv keys.
	Extended *hdkeychain.ExtendedKey

	// ChildPath is the path below Extended, excluding the wildcard.
	ChildPath []uint32

	// Wildcard is true when the expression ends with /*.
	Wildcard bool
}

// DerivedKey is a key expression evaluated at a concrete index.
type DerivedKey struct {
	PubKey      *btcec.PublicKey
	Fingerprint uint32
	Path        []uint32
}

// ParseKeyExpr parses a key expression such as
// "[d34db33f/84'/1'/0']tpubD.../0/*" or a hex encoded compressed pubkey.
func ParseKeyExpr(s string) (*KeyExpr, error) {
	s = strings.TrimSpace(s)
	key := &KeyExpr{}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated origin", ErrInvalidKey)
		}

		fp, path, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}

		key.Fingerprint = fp
		key.OriginPath = path
		key.hasOrigin = true
		s = s[end+1:]
	}

	if s == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if len(s) == 66 {
		raw, err := hex.DecodeString(s)
		if err == nil {
			pub, err := btcec.ParsePubKey(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			key.PubKey = pub

			return key, nil
		}
	}

	parts := strings.Split(s, "/")
	ext, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key.Extended = ext

	for i, p := range parts[1:] {
		if p == "*" {
			if i != len(parts)-2 {
				return nil, fmt.Errorf("%w: wildcard must be last",
					ErrInvalidKey)
			}
			key.Wildcard = true

			break
		}

		idx, err := parsePathElem(p)
		if err != nil {
			return nil, err
		}
		if idx >= hdkeychain.HardenedKeyStart && !ext.IsPrivate() {
			return nil, fmt.Errorf("%w: hardened step %s below a "+
				"public key", ErrInvalidKey, p)
		}
		key.ChildPath = append(key.ChildPath, idx)
	}

	return key, nil
}

func parseOrigin(s string) (uint32, []uint32, error) {
	parts := strings.Split(s, "/")
	if len(parts[0]) != 8 {
		return 0, nil, fmt.Errorf("%w: fingerprint %q", ErrInvalidKey,
			parts[0])
	}

	fpBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: fingerprint %q", ErrInvalidKey,
			parts[0])
	}

	path := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		idx, err := parsePathElem(p)
		if err != nil {
			return 0, nil, err
		}
		path = append(path, idx)
	}

	return binary.LittleEndian.Uint32(fpBytes), path, nil
}

func parsePathElem(p string) (uint32, error) {
	hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
	if hardened {
		p = p[:len(p)-1]
	}

	idx, err := strconv.ParseUint(p, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: path element %q", ErrInvalidKey, p)
	}

	if hardened {
		return uint32(idx) + hdkeychain.HardenedKeyStart, nil
	}

	return uint32(idx), nil
}

// String returns the canonical form of the key expression.
func (k *KeyExpr) String() string {
	var b strings.Builder

	if k.hasOrigin {
		var fp [4]byte
		binary.LittleEndian.PutUint32(fp[:], k.Fingerprint)

		b.WriteString("[")
		b.WriteString(hex.EncodeToString(fp[:]))
		b.WriteString(formatPath(k.OriginPath))
		b.WriteString("]")
	}

	if k.PubKey != nil {
		b.WriteString(hex.EncodeToString(k.PubKey.SerializeCompressed()))
		return b.String()
	}

	b.WriteString(k.Extended.String())
	b.WriteString(formatPath(k.ChildPath))
	if k.Wildcard {
		b.WriteString("/*")
	}

	return b.String()
}

// formatPath renders a path as "/84'/1'/0'" using the apostrophe hardened
// marker.
func formatPath(path []uint32) string {
	var b strings.Builder
	for _, idx := range path {
		b.WriteString("/")
		if idx >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(
				uint64(idx-hdkeychain.HardenedKeyStart), 10,
			))
			b.WriteString("'")

			continue
		}
		b.WriteString(strconv.FormatUint(uint64(idx), 10))
	}

	return b.String()
}

// FormatPath renders a full derivation path as "m/84'/1'/0'/0/3".
func FormatPath(path []uint32) string {
	return "m" + formatPath(path)
}

// ParsePath parses a derivation path such as "m/84'/1'/0'". The leading "m"
// is optional and both hardened markers are accepted.
func ParsePath(s string) ([]uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "m")
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	path := make([]uint32, 0, len(parts))
	for _, p := range parts {
		idx, err := parsePathElem(p)
		if err != nil {
			return nil, err
		}
		path = append(path, idx)
	}

	return path, nil
}

// IsPrivate returns true if the expression carries private key material.
func (k *KeyExpr) IsPrivate() bool {
	return k.Extended != nil && k.Extended.IsPrivate()
}

// Public returns a copy of the expression with private material stripped.
func (k *KeyExpr) Public() (*KeyExpr, error) {
	pub := *k
	if !k.IsPrivate() {
		return &pub, nil
	}

	neutered, err := k.Extended.Neuter()
	if err != nil {
		return nil, err
	}
	pub.Extended = neutered

	return &pub, nil
}

// OriginFingerprint returns the fingerprint used for derivation records. A
// key without origin is its own root, so the fingerprint of its public key
// is used.
func (k *KeyExpr) OriginFingerprint() (uint32, error) {
	if k.hasOrigin {
		return k.Fingerprint, nil
	}

	if k.PubKey != nil {
		return fingerprint(k.PubKey), nil
	}

	pub, err := k.Extended.ECPubKey()
	if err != nil {
		return 0, err
	}

	return fingerprint(pub), nil
}

// Derive evaluates the key at the given wildcard index. Keys without a
// wildcard ignore the index.
func (k *KeyExpr) Derive(index uint32) (*DerivedKey, error) {
	fp, err := k.OriginFingerprint()
	if err != nil {
		return nil, err
	}

	path := append([]uint32(nil), k.OriginPath...)

	if k.PubKey != nil {
		return &DerivedKey{PubKey: k.PubKey, Fingerprint: fp, Path: path}, nil
	}

	child := k.Extended
	steps := append([]uint32(nil), k.ChildPath...)
	if k.Wildcard {
		steps = append(steps, index)
	}

	for _, step := range steps {
		child, err = child.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive %d: %w", step, err)
		}
	}
	path = append(path, steps...)

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	return &DerivedKey{PubKey: pub, Fingerprint: fp, Path: path}, nil
}

// fingerprint returns the BIP32 fingerprint of a public key in the little
// endian form used by PSBT records.
func fingerprint(pub *btcec.PublicKey) uint32 {
	id := btcutil.Hash160(pub.SerializeCompressed())

	return binary.LittleEndian.Uint32(id[:4])
}
