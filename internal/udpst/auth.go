package udpst

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// -------------------------------------------------------------------------
// Auth Errors
// -------------------------------------------------------------------------

var (
	// ErrAuthModeUnsupported indicates the PDU's authMode is neither
	// AuthModeNone nor AuthModeHMAC.
	ErrAuthModeUnsupported = errors.New("unsupported auth mode")

	// ErrAuthKeyUnavailable indicates no key material (KDF pair, key-file
	// entry, or command-line key) could be found for validation.
	ErrAuthKeyUnavailable = errors.New("no auth key available")

	// ErrAuthDigestMismatch indicates the recomputed HMAC does not match
	// the digest carried in the PDU.
	ErrAuthDigestMismatch = errors.New("auth digest mismatch")

	// ErrAuthTimeWindow indicates a validated digest but an authUnixTime
	// outside the acceptance window.
	ErrAuthTimeWindow = errors.New("auth time outside acceptance window")
)

// DefaultAuthTimeWindow is the default replay-acceptance window: a
// validated digest is accepted only if the sender's authUnixTime is
// within this many seconds of the local clock.
const DefaultAuthTimeWindow = 10 * time.Second

// -------------------------------------------------------------------------
// AuthKeyStore
// -------------------------------------------------------------------------

// AuthKey is a single shared key entry in the key-file table.
type AuthKey struct {
	ID  uint8
	Key string
}

// AuthKeyStore looks up authentication keys by ID, with a command-line
// fallback key consulted when no key-file entry matches.
type AuthKeyStore interface {
	// LookupKey returns the key-file entry with the given ID, or false if
	// none is configured.
	LookupKey(id uint8) (string, bool)

	// FallbackKey returns the command-line key, or "" if none is configured.
	FallbackKey() string
}

// StaticKeyStore is an AuthKeyStore backed by an in-memory table, the
// shape produced by loading the daemon's key-file configuration.
type StaticKeyStore struct {
	Keys     map[uint8]string
	Fallback string
}

func (s *StaticKeyStore) LookupKey(id uint8) (string, bool) {
	k, ok := s.Keys[id]
	return k, ok
}

func (s *StaticKeyStore) FallbackKey() string {
	return s.Fallback
}

// -------------------------------------------------------------------------
// KDF key pair
// -------------------------------------------------------------------------

// KDFKeyPair holds the per-connection client/server keys derived once and
// reused for subsequent PDUs, per the anti-downgrade rule: once
// established, these keys MUST validate on the first attempt.
type KDFKeyPair struct {
	ClientKey [Sha256KeyLen]byte
	ServerKey [Sha256KeyLen]byte
	derived   bool
}

// Derived reports whether the pair has been populated by DeriveKDFKeys.
func (p *KDFKeyPair) Derived() bool {
	return p != nil && p.derived
}

// DeriveKDFKeys implements the counter-mode KBKDF (NIST SP 800-108) with
// HMAC-SHA-256 as PRF, producing 64 bytes split into (clientKey,
// serverKey). The label is the constant ASCII "UDPSTP"; the context is
// the decimal ASCII encoding of authUnixTime with no padding; the
// trailer is a 32-bit big-endian length-in-bits field equal to
// SHA256_KEY_LEN*2*8 (512). Two counter iterations (i=1,2) are required
// to produce 64 bytes from a 32-byte PRF.
func DeriveKDFKeys(sharedKey string, authUnixTime uint32) KDFKeyPair {
	const label = "UDPSTP"
	context := strconv.FormatUint(uint64(authUnixTime), 10)

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(Sha256KeyLen*2*8))

	var out [2 * Sha256KeyLen]byte
	for i := uint32(1); i <= 2; i++ {
		mac := hmac.New(sha256.New, []byte(sharedKey))
		var counter [4]byte
		binary.BigEndian.PutUint32(counter[:], i)
		mac.Write(counter[:])
		mac.Write([]byte(label))
		mac.Write([]byte{0x00})
		mac.Write([]byte(context))
		mac.Write(trailer[:])
		copy(out[(i-1)*sha256.Size:], mac.Sum(nil))
	}

	var pair KDFKeyPair
	copy(pair.ClientKey[:], out[:Sha256KeyLen])
	copy(pair.ServerKey[:], out[Sha256KeyLen:])
	pair.derived = true
	return pair
}

// -------------------------------------------------------------------------
// Insert (sign)
// -------------------------------------------------------------------------

// InsertAuth populates the authMode/authUnixTime/keyId fields of tail,
// zeroes its digest and the PDU's checksum slot, computes HMAC-SHA-256
// over the full PDU with key, and writes the digest back into tail. buf
// must be the complete marshaled PDU, with tail occupying buf's final
// authTailSize bytes. now is the sender's wall-clock time.
func InsertAuth(buf []byte, tail *authTail, keyID uint8, key []byte, now time.Time) {
	tail.AuthUnixTime = 0
	tail.AuthDigest = [AuthDigestLength]byte{}
	tail.KeyID = 0
	tail.ReservedAuth1 = 0

	if tail.AuthMode != AuthModeHMAC {
		tail.marshal(buf[len(buf)-authTailSize:])
		return
	}

	tail.AuthUnixTime = uint32(now.Unix())
	tail.KeyID = keyID
	tail.CheckSum = 0
	tail.marshal(buf[len(buf)-authTailSize:])

	mac := hmac.New(sha256.New, key)
	mac.Write(buf)
	copy(tail.AuthDigest[:], mac.Sum(nil))
	tail.marshal(buf[len(buf)-authTailSize:])
}

// -------------------------------------------------------------------------
// Validate
// -------------------------------------------------------------------------

// AuthValidator resolves key material for Validate: a per-connection KDF
// pair (possibly not yet derived), a key-file store, and whether the
// local protocol version is at or above ExtAuthPVer.
type AuthValidator struct {
	ProtocolVer uint16
	IsServer    bool
	KDF         *KDFKeyPair
	Keys        AuthKeyStore
	TimeWindow  time.Duration
	EnforceTime bool
}

// Validate implements the five-step validation procedure: mode check,
// digest save/zero, key selection (pre-existing KDF pair first, then
// key-file lookup, then command-line fallback), HMAC recomputation with
// constant-time comparison, and — on success — the replay-window check.
// Pre-existing KDF keys MUST validate on the first attempt: once derived,
// there is no fallthrough to a key-file or command-line key.
func (v *AuthValidator) Validate(buf []byte, tail *authTail, now time.Time) error {
	if tail.AuthMode != AuthModeHMAC {
		return ErrAuthModeUnsupported
	}

	receivedDigest := tail.AuthDigest
	tailBuf := buf[len(buf)-authTailSize:]
	zeroed := *tail
	zeroed.AuthDigest = [AuthDigestLength]byte{}
	zeroed.CheckSum = 0
	zeroed.marshal(tailBuf)

	kdfEstablished := v.ProtocolVer >= ExtAuthPVer && v.KDF != nil && v.KDF.Derived()

	var candidates [][]byte
	switch {
	case kdfEstablished:
		if v.IsServer {
			candidates = [][]byte{v.KDF.ClientKey[:]}
		} else {
			candidates = [][]byte{v.KDF.ServerKey[:]}
		}
	default:
		if v.ProtocolVer >= ExtAuthPVer && v.KDF != nil {
			pair := DeriveKDFKeys(v.fileOrFallbackKey(tail.KeyID), tail.AuthUnixTime)
			*v.KDF = pair
			if v.IsServer {
				candidates = [][]byte{v.KDF.ClientKey[:]}
			} else {
				candidates = [][]byte{v.KDF.ServerKey[:]}
			}
		} else {
			if key, ok := v.Keys.LookupKey(tail.KeyID); ok {
				candidates = append(candidates, []byte(key))
			}
			if fb := v.Keys.FallbackKey(); fb != "" {
				candidates = append(candidates, []byte(fb))
			}
		}
	}

	if len(candidates) == 0 {
		return fmt.Errorf("validate auth: %w", ErrAuthKeyUnavailable)
	}

	var matched bool
	for _, key := range candidates {
		mac := hmac.New(sha256.New, key)
		mac.Write(buf)
		computed := mac.Sum(nil)
		if subtle.ConstantTimeCompare(computed, receivedDigest[:]) == 1 {
			matched = true
			break
		}
		if kdfEstablished {
			break // pre-existing KDF key must succeed on the first attempt
		}
	}
	if !matched {
		return fmt.Errorf("validate auth: %w", ErrAuthDigestMismatch)
	}

	if v.EnforceTime {
		window := v.TimeWindow
		if window == 0 {
			window = DefaultAuthTimeWindow
		}
		delta := now.Unix() - int64(tail.AuthUnixTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > int64(window/time.Second) {
			return fmt.Errorf("validate auth: %w", ErrAuthTimeWindow)
		}
	}
	return nil
}

// fileOrFallbackKey resolves the shared key string used to derive a
// fresh KDF pair when none has been established yet: a key-file entry
// matching keyID, else the command-line fallback key.
func (v *AuthValidator) fileOrFallbackKey(keyID uint8) string {
	if v.Keys == nil {
		return ""
	}
	if key, ok := v.Keys.LookupKey(keyID); ok {
		return key
	}
	return v.Keys.FallbackKey()
}
