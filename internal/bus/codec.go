package bus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/devit-sh/devitd/internal/apierrors"
)

// MaxFrameBytes bounds a single frame's encoded size, guarding against a
// peer claiming an unreasonable length prefix.
const MaxFrameBytes = 16 * 1024 * 1024

// WriteFrame encodes f as JSON and writes it as <u32 big-endian length><bytes>.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeIO, fmt.Errorf("bus: marshal frame: %w", err))
	}
	if len(data) > MaxFrameBytes {
		return apierrors.New(apierrors.CodeResourceLimit, "frame exceeds maximum size")
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return apierrors.Wrap(apierrors.CodeIO, err)
	}
	if _, err := w.Write(data); err != nil {
		return apierrors.Wrap(apierrors.CodeIO, err)
	}
	return nil
}

// ReadFrame reads one <u32 big-endian length><bytes> frame from r and parses
// it as JSON.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameBytes {
		return Frame{}, apierrors.New(apierrors.CodeResourceLimit, "incoming frame exceeds maximum size")
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, apierrors.Wrap(apierrors.CodeIO, err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, apierrors.New(apierrors.CodeIO, "malformed frame: "+err.Error())
	}
	return f, nil
}
