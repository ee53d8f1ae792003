// Package codec wraps the external audio toolchain: encoding synthesized
// WAV to OGG, generating silence, and concatenating segment files.
package codec

import (
	"context"
	"time"
)

// Codec is the audio toolchain boundary. The production implementation
// shells out to ffmpeg; tests use the in-process fake.
type Codec interface {
	// EncodeOGG transcodes WAV bytes to OGG/Vorbis.
	EncodeOGG(ctx context.Context, wav []byte) ([]byte, error)
	// Silence writes an OGG file of the given duration to path.
	Silence(ctx context.Context, d time.Duration, path string) error
	// Concat joins the input OGG files into one output file, in order.
	Concat(ctx context.Context, inputs []string, outPath string) error
	// Duration reports the playback length of an audio file.
	Duration(ctx context.Context, path string) (time.Duration, error)
}
