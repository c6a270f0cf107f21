package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrNotSupported is returned when an optional operation is not supported.
var ErrNotSupported = errors.New("operation not supported")

// TrackInfo describes one elementary stream as declared by its container.
// Fields a container does not declare stay zero; DetectExportFormat falls
// back to probing the bitstream and finally to defaults.
type TrackInfo struct {
	Kind TrackKind

	VideoCodec VideoCodec
	Width      int
	Height     int
	FrameRate  float64

	AudioCodec AudioCodec
	SampleRate int
	Channels   int

	Duration  time.Duration
	CodecData [][]byte
}

// ClipSource is one opened, demuxed elementary stream of a source clip.
// Implementations own the demuxer state; samples come out in decode order
// with source-local PTS.
type ClipSource interface {
	io.Closer

	// Info returns the stream description.
	Info() TrackInfo

	// SeekTo positions the stream at or before t (keyframe-aligned for
	// video, so decode can start cleanly ahead of a trim-in point).
	SeekTo(t time.Duration) error

	// ReadSample returns the next compressed sample. The returned sample's
	// Data may alias an internal read buffer; it is valid until the next
	// ReadSample call. Returns io.EOF at end of stream.
	ReadSample(ctx context.Context) (*MediaSample, error)
}

// SourceOpener is the capability the surrounding application injects to
// resolve a clip's opaque source handle into a decodable stream. The export
// core never opens files on its own beyond this.
type SourceOpener interface {
	OpenSource(source string, kind TrackKind) (ClipSource, error)
}

// SourceOpenerFunc adapts a function to the SourceOpener interface.
type SourceOpenerFunc func(source string, kind TrackKind) (ClipSource, error)

func (f SourceOpenerFunc) OpenSource(source string, kind TrackKind) (ClipSource, error) {
	return f(source, kind)
}

// sourceRegistry maps source-handle schemes ("synthetic:...") to openers so
// built-in sources can self-register from init().
type sourceRegistry struct {
	openers map[string]SourceOpener
	mu      sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{
	openers: make(map[string]SourceOpener),
}

// RegisterSourceOpener registers an opener for a source-handle scheme.
func RegisterSourceOpener(scheme string, opener SourceOpener) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.openers[scheme] = opener
}

// RegisteredSchemes returns the schemes with a registered opener.
func RegisteredSchemes() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()
	schemes := make([]string, 0, len(globalSourceRegistry.openers))
	for s := range globalSourceRegistry.openers {
		schemes = append(schemes, s)
	}
	return schemes
}

// registryOpener resolves handles of the form "scheme:rest" against the
// global registry. It is the default opener when a caller injects none.
type registryOpener struct{}

func (registryOpener) OpenSource(source string, kind TrackKind) (ClipSource, error) {
	return OpenSource(source, kind)
}

// OpenSource resolves a "scheme:rest" handle against the global opener
// registry and opens the stream of the requested kind.
func OpenSource(source string, kind TrackKind) (ClipSource, error) {
	scheme, _, ok := strings.Cut(source, ":")
	if !ok {
		return nil, fmt.Errorf("source %q has no scheme and no opener was injected", source)
	}
	globalSourceRegistry.mu.RLock()
	opener, found := globalSourceRegistry.openers[scheme]
	globalSourceRegistry.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("no source opener registered for scheme %q", scheme)
	}
	return opener.OpenSource(source, kind)
}
