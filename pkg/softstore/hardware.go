package softstore

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the CPU accelerates AES, which
// determines how fast the engine's AES-GCM sessions run.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// Info describes the engine for health and diagnostics endpoints.
func (e *Engine) Info() map[string]interface{} {
	return map[string]interface{}{
		"architecture":         runtime.GOARCH,
		"go_version":           runtime.Version(),
		"aes_hardware_support": HasAESHardwareSupport(),
		"live_operations":      e.LiveOperations(),
		"max_update_chunk":     e.maxChunk,
		"algorithms":           []string{"aes-gcm", "chacha20-poly1305", "ecdsa-p256", "ed25519", "hmac-sha256"},
	}
}
