// Package codec provides compression and decompression for durable cache entries.
//
// The durable tier stores one JSON-encoded evaluation per file. The
// entries are small and highly repetitive (FEN strings, UCI move lists)
// so they compress well, and the codec's extension doubles as the entry
// file suffix.
package codec

import "io"

// Codec provides compression and decompression functionality.
type Codec interface {
	// Reader wraps r to decompress data read from it.
	Reader(r io.Reader) (io.ReadCloser, error)
	// Writer wraps w to compress data written to it.
	Writer(w io.Writer) (io.WriteCloser, error)
	// Extension returns the file extension without dot (e.g., "zst", "gz").
	// Returns empty string for no compression.
	Extension() string
}
