package clipexport

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
)

// Muxer errors
var (
	ErrMuxerStarted    = errors.New("muxer already started")
	ErrMuxerNotStarted = errors.New("muxer not started")
	ErrMuxerStopped    = errors.New("muxer already stopped")
	ErrTrackIndex      = errors.New("invalid muxer track index")
)

// ContainerFormat identifies an output container.
type ContainerFormat uint8

const (
	ContainerWebM ContainerFormat = iota // Matroska/WebM via ebml-go
	ContainerMP4                         // ISO BMFF via the native engine
	containerCount
)

// String returns the container name.
func (f ContainerFormat) String() string {
	switch f {
	case ContainerWebM:
		return "webm"
	case ContainerMP4:
		return "mp4"
	default:
		return "unknown"
	}
}

// ContainerForPath picks a container format from a file extension,
// defaulting to WebM.
func ContainerForPath(p string) ContainerFormat {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".m4v", ".mov":
		return ContainerMP4
	default:
		return ContainerWebM
	}
}

// MuxerConfig configures a container muxer.
type MuxerConfig struct {
	Format ContainerFormat

	// Destination receives the container bytes. Software muxers write and
	// finalize through it and close it when stopped.
	Destination io.WriteCloser

	// Path is the output file path, for muxers that write through a native
	// file handle instead of Destination.
	Path string

	// WritingApp is stamped into container metadata.
	WritingApp string
}

// DefaultMuxerConfig returns a default muxer configuration.
func DefaultMuxerConfig(format ContainerFormat) MuxerConfig {
	return MuxerConfig{
		Format:     format,
		WritingApp: "clipexport",
	}
}

// MuxerStats provides muxing metrics.
type MuxerStats struct {
	Tracks         int
	SamplesWritten uint64
	BytesWritten   uint64
	Started        bool
	Stopped        bool
}

// Muxer interleaves encoded track samples into one container.
//
// Protocol: AddTrack for every track, Start exactly once, WriteSample for
// each sample in non-decreasing PTS order per track, then Stop to finalize.
// Tracks cannot be added after Start; samples cannot be written before it.
type Muxer interface {
	io.Closer

	// AddTrack registers a track and returns its index.
	AddTrack(format TrackFormat) (int, error)

	// Start begins the container. All tracks must be added first.
	Start() error

	// WriteSample appends one encoded sample to the given track.
	WriteSample(trackIndex int, sample *EncodedSample) error

	// Stop finalizes the container. ErrMuxerNotStarted if Start never ran.
	Stop() error

	// Stats returns muxing statistics.
	Stats() MuxerStats
}

// --- Registry ---

type muxerFactory func(MuxerConfig) (Muxer, error)

type muxerRegistry struct {
	mu        sync.RWMutex
	factories map[ContainerFormat]muxerFactory
}

var globalMuxerRegistry = &muxerRegistry{
	factories: make(map[ContainerFormat]muxerFactory),
}

// registerMuxer registers a muxer factory for a container format.
func registerMuxer(format ContainerFormat, factory muxerFactory) {
	globalMuxerRegistry.mu.Lock()
	defer globalMuxerRegistry.mu.Unlock()
	globalMuxerRegistry.factories[format] = factory
}

// NewMuxer creates a muxer for the configured container format.
func NewMuxer(config MuxerConfig) (Muxer, error) {
	globalMuxerRegistry.mu.RLock()
	factory, ok := globalMuxerRegistry.factories[config.Format]
	globalMuxerRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no muxer registered for container %s", config.Format)
	}
	return factory(config)
}

// MuxerFormats returns the container formats with a registered muxer.
func MuxerFormats() []ContainerFormat {
	globalMuxerRegistry.mu.RLock()
	defer globalMuxerRegistry.mu.RUnlock()
	formats := make([]ContainerFormat, 0, len(globalMuxerRegistry.factories))
	for f := range globalMuxerRegistry.factories {
		formats = append(formats, f)
	}
	return formats
}
