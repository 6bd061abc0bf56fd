package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire format fixed by the telephony provider: G.711 mu-law, 8 kHz mono,
// 20 ms frames. One mu-law byte per sample.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50
	FrameBytes    = FrameSamples
)

var ErrMalformedFrame = errors.New("malformed audio frame")

// DecodeFrame expands one wire frame into linear PCM16 samples.
func DecodeFrame(frame []byte) ([]int16, error) {
	if len(frame) != FrameBytes {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(frame), FrameBytes)
	}
	pcm := make([]int16, len(frame))
	for i, b := range frame {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm, nil
}

// EncodeFrame compresses exactly one frame of PCM16 samples to the wire format.
func EncodeFrame(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrMalformedFrame, len(pcm), FrameSamples)
	}
	return EncodeMulaw(pcm), nil
}

// DecodeMulaw expands an arbitrary-length mu-law buffer. Used for synthesized
// reply audio, which arrives in service-sized chunks rather than wire frames.
func DecodeMulaw(data []byte) []int16 {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm
}

// EncodeMulaw compresses an arbitrary-length PCM16 buffer.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = mulawEncode(s)
	}
	return out
}

// PCMToBytes serializes PCM16 samples little-endian.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// BytesToPCM parses little-endian PCM16 bytes.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

func mulawEncode(pcm int16) byte {
	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}
	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	// Segment is the position of the highest set bit above bit 7; the biased
	// value always has bit 7 set.
	exponent := uint8(7)
	for mask := int16(0x4000); pcm&mask == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}
	mantissa := uint8(pcm>>(exponent+3)) & 0x0F

	return ^(sign | (exponent << 4) | mantissa)
}
