// Package audio holds the codec-independent pieces of the call media path:
// the [AudioFrame] value, sample-rate conversion, fixed-duration framing, the
// bounded outbound [Relay] and the observer [Tap].
//
// Everything here works on signed 16-bit mono PCM. Codec conversion lives in
// the codec subpackage; transport lives in pkg/telephony.
package audio
