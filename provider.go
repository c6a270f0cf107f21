package clipexport

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderPlatform                 // Hardware codecs via the native engine
	ProviderOpus                     // Software Opus encoder (libopus)
	ProviderPCM                      // Raw S16LE passthrough
	providerCount
)

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	Hardware bool
	Encoder  bool
	Decoder  bool
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", false, false, false},
	ProviderPlatform: {"platform", true, true, true},
	ProviderOpus:     {"opus", false, true, false},
	ProviderPCM:      {"pcm", false, true, true},
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// Hardware returns true if the provider is hardware-accelerated.
func (p Provider) Hardware() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Hardware
}

// CanEncode returns true if the provider supports encoding.
func (p Provider) CanEncode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Encoder
}

// CanDecode returns true if the provider supports decoding.
func (p Provider) CanDecode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Decoder
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
