// Package codec converts between telephony payload encodings and signed
// 16-bit linear PCM.
//
// Supported encodings are G.711 μ-law (PCMU), G.711 A-law (PCMA) and
// big-endian 16-bit linear PCM (L16). All run at an 8 kHz clock on the
// telephony leg. Transcoders are stateless and safe for concurrent use.
package codec

import (
	"fmt"
	"strings"
)

// ClockRate is the RTP clock rate of every supported encoding.
const ClockRate = 8000

// ID names a payload encoding.
type ID string

const (
	PCMU ID = "PCMU"
	PCMA ID = "PCMA"
	L16  ID = "L16"
)

// String returns the SDP encoding name.
func (id ID) String() string { return string(id) }

// Transcoder decodes telephony payloads to PCM16 and encodes PCM16 back.
type Transcoder interface {
	// ID identifies the encoding.
	ID() ID

	// Decode converts one payload to samples. Byte-oriented encodings accept
	// any payload; L16 rejects odd-length payloads with *CorruptPayloadError.
	Decode(payload []byte) ([]int16, error)

	// Encode converts samples to a payload.
	Encode(samples []int16) []byte

	// SilenceSample is the PCM value of the encoding's zero-energy code.
	SilenceSample() int16

	// SilencePayload returns n samples of encoded silence.
	SilencePayload(n int) []byte
}

// UnsupportedCodecError is returned when a codec name is not one of PCMU,
// PCMA or L16.
type UnsupportedCodecError struct {
	Name string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("codec: unsupported codec %q", e.Name)
}

// CorruptPayloadError reports a payload that cannot be decoded.
type CorruptPayloadError struct {
	Codec ID
	Len   int
}

func (e *CorruptPayloadError) Error() string {
	return fmt.Sprintf("codec: corrupt %s payload of %d bytes", e.Codec, e.Len)
}

// New returns the transcoder for id.
func New(id ID) (Transcoder, error) {
	switch id {
	case PCMU:
		return muLaw{}, nil
	case PCMA:
		return aLaw{}, nil
	case L16:
		return linear{}, nil
	default:
		return nil, &UnsupportedCodecError{Name: string(id)}
	}
}

// Parse resolves a codec name as found in configuration or SDP. Matching is
// case-insensitive and accepts the common aliases (ulaw, alaw, g711u, ...).
func Parse(name string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pcmu", "ulaw", "mulaw", "g711u", "g711_ulaw":
		return PCMU, nil
	case "pcma", "alaw", "g711a", "g711_alaw":
		return PCMA, nil
	case "l16", "linear", "lpcm", "pcm16":
		return L16, nil
	default:
		return "", &UnsupportedCodecError{Name: name}
	}
}

// PayloadType returns the RTP payload type for id: the static types 0 and 8
// for G.711, and 96 (dynamic) for L16.
func PayloadType(id ID) uint8 {
	switch id {
	case PCMU:
		return 0
	case PCMA:
		return 8
	default:
		return 96
	}
}

// FromPayloadType maps a static RTP payload type back to its codec.
func FromPayloadType(pt uint8) (ID, bool) {
	switch pt {
	case 0:
		return PCMU, true
	case 8:
		return PCMA, true
	default:
		return "", false
	}
}

// ── μ-law ─────────────────────────────────────────────────────────────────────

const (
	muBias = 0x84
	muClip = 32635
)

var muDecodeTable [256]int16

func init() {
	for i := range muDecodeTable {
		muDecodeTable[i] = decodeMuLaw(byte(i))
	}
}

type muLaw struct{}

func (muLaw) ID() ID               { return PCMU }
func (muLaw) SilenceSample() int16 { return 0 }

func (muLaw) SilencePayload(n int) []byte {
	return fill(n, 0xFF)
}

func (muLaw) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muDecodeTable[b]
	}
	return out, nil
}

func (muLaw) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLaw(s)
	}
	return out
}

func decodeMuLaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := b & 0x0F
	x := ((int(mant) << 3) + muBias) << exp
	x -= muBias
	if sign != 0 {
		return int16(-x)
	}
	return int16(x)
}

func encodeMuLaw(s int16) byte {
	x := int(s)
	var sign int
	if x < 0 {
		x = -x
		sign = 0x80
	}
	if x > muClip {
		x = muClip
	}
	x += muBias

	exp := 7
	for mask := 0x4000; x&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (x >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// ── A-law ─────────────────────────────────────────────────────────────────────

var aDecodeTable [256]int16

// segment upper bounds of the 13-bit magnitude.
var aSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func init() {
	for i := range aDecodeTable {
		aDecodeTable[i] = decodeALaw(byte(i))
	}
}

type aLaw struct{}

func (aLaw) ID() ID               { return PCMA }
func (aLaw) SilenceSample() int16 { return 8 }

func (aLaw) SilencePayload(n int) []byte {
	return fill(n, 0xD5)
}

func (aLaw) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = aDecodeTable[b]
	}
	return out, nil
}

func (aLaw) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeALaw(s)
	}
	return out
}

func decodeALaw(b byte) int16 {
	b ^= 0x55
	t := int(b&0x0F) << 4
	seg := int(b&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if b&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func encodeALaw(s int16) byte {
	v := int(s) >> 3
	mask := 0xD5
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := 0
	for seg < len(aSegEnd) && v > aSegEnd[seg] {
		seg++
	}
	if seg >= len(aSegEnd) {
		return byte(0x7F ^ mask)
	}

	aval := seg << 4
	if seg < 2 {
		aval |= (v >> 1) & 0x0F
	} else {
		aval |= (v >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

// ── L16 ───────────────────────────────────────────────────────────────────────

type linear struct{}

func (linear) ID() ID               { return L16 }
func (linear) SilenceSample() int16 { return 0 }

func (linear) SilencePayload(n int) []byte {
	return make([]byte, n*2)
}

// Decode reads network byte order samples.
func (linear) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, &CorruptPayloadError{Codec: L16, Len: len(payload)}
	}
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(payload[i*2])<<8 | int16(payload[i*2+1])
	}
	return out, nil
}

func (linear) Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s >> 8)
		out[i*2+1] = byte(s)
	}
	return out
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
