// Package compress implements the payload compression modes a Connection
// may negotiate. It uses the standard library's compress/flate rather than
// a third-party compressor: nothing in the retrieval pack wires a
// third-party compression library into a wire protocol — the one pack
// repo that does its own payload compression (progressdb) also reaches for
// a standard-library codec (compress/gzip) rather than an external one, so
// flate (gzip's sibling, without the header/checksum overhead this
// protocol's own CRC-32 already provides) is the in-corpus-consistent
// choice here. See DESIGN.md.
package compress

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/swiftgate/swiftgate/core/xerrors"
)

// Compress deflates payload at the default compression level.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, xerrors.NewInternalError("construct compressor: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, xerrors.NewInternalError("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.NewInternalError("flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a payload produced by Compress.
func Decompress(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.NewProtocolError("decompress payload: %w", err)
	}
	return out, nil
}
