// Package sbus decodes the Futaba SBUS radio-receiver protocol: 25-byte frames
// of sixteen 11-bit channels at 100000 baud, 8E2.
package sbus

import (
	"io"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

const (
	FrameSize   = 25
	NumChannels = 16
	startByte   = 0x0f
	endByte     = 0x00

	flagCh17      = 1 << 0
	flagCh18      = 1 << 1
	flagFrameLost = 1 << 2
	flagFailsafe  = 1 << 3
)

// ErrFrameSync is returned when a frame's start or end marker is wrong.  The
// receiver realigns itself on the next frame boundary it can find, so callers
// should simply ask for the next packet.
var ErrFrameSync = errors.New("sbus: lost frame sync")

type Frame struct {
	Channels [NumChannels]uint16
	Ch17     bool
	Ch18     bool
	// The receiver dropped a frame from the transmitter.
	FrameLost bool
	// The receiver has lost the transmitter and is replaying failsafe values.
	Failsafe bool
}

// Decode parses one complete frame.
func Decode(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) != FrameSize {
		return f, errors.Errorf("sbus: frame is %d bytes, expected %d", len(buf), FrameSize)
	}
	if buf[0] != startByte || buf[FrameSize-1] != endByte {
		return f, ErrFrameSync
	}

	// Channels are packed LSB first, 11 bits each, starting at byte 1.
	var bits uint32
	var bitsMerged uint
	idx := 1
	for ch := 0; ch < NumChannels; ch++ {
		for bitsMerged < 11 {
			bits |= uint32(buf[idx]) << bitsMerged
			idx++
			bitsMerged += 8
		}
		f.Channels[ch] = uint16(bits & 0x7ff)
		bits >>= 11
		bitsMerged -= 11
	}

	flags := buf[23]
	f.Ch17 = flags&flagCh17 != 0
	f.Ch18 = flags&flagCh18 != 0
	f.FrameLost = flags&flagFrameLost != 0
	f.Failsafe = flags&flagFailsafe != 0
	return f, nil
}

// Encode packs a frame; used by tests and the simulator's fake receiver.
func Encode(f Frame) []byte {
	buf := make([]byte, FrameSize)
	buf[0] = startByte
	var bits uint32
	var bitsMerged uint
	idx := 1
	for ch := 0; ch < NumChannels; ch++ {
		bits |= uint32(f.Channels[ch]&0x7ff) << bitsMerged
		bitsMerged += 11
		for bitsMerged >= 8 {
			buf[idx] = byte(bits)
			idx++
			bits >>= 8
			bitsMerged -= 8
		}
	}
	var flags byte
	if f.Ch17 {
		flags |= flagCh17
	}
	if f.Ch18 {
		flags |= flagCh18
	}
	if f.FrameLost {
		flags |= flagFrameLost
	}
	if f.Failsafe {
		flags |= flagFailsafe
	}
	buf[23] = flags
	buf[24] = endByte
	return buf
}

type Receiver struct {
	r   io.Reader
	buf [FrameSize]byte
	// Bytes at the front of buf carried over from a resync.
	pending int
}

func NewReceiver(r io.Reader) *Receiver {
	return &Receiver{r: r}
}

// Open opens the receiver's UART.
func Open(device string) (*Receiver, io.Closer, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: 100000,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.TwoStopBits,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open SBUS port %s", device)
	}
	return NewReceiver(port), port, nil
}

// NextPacket blocks until a full frame has been read.
func (r *Receiver) NextPacket() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.buf[r.pending:]); err != nil {
		return Frame{}, errors.Wrap(err, "sbus: read failed")
	}
	r.pending = 0

	f, err := Decode(r.buf[:])
	if err == ErrFrameSync {
		r.resync()
	}
	return f, err
}

// resync keeps the tail of the buffer from the first plausible frame start
// (an end byte followed by a start byte) so the next read completes it.
func (r *Receiver) resync() {
	for i := 1; i < FrameSize; i++ {
		if r.buf[i] == startByte && r.buf[i-1] == endByte {
			r.pending = copy(r.buf[:], r.buf[i:])
			return
		}
	}
	r.pending = 0
}
