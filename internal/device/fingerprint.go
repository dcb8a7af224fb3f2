package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// machineIDPaths are the files consulted for a Linux machine id,
// in preference order.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// minSignals is the minimum number of gathered signals (beyond the
// always-present os/arch pair) for an identity to be considered
// meaningful.
const minSignals = 2

// Identity is a hex-encoded SHA-256 digest identifying one device
// configuration. Compare with Equal; never attempt to reverse it.
type Identity string

// Equal reports whether two identities refer to the same device.
func (id Identity) Equal(other Identity) bool {
	return id != "" && id == other
}

// String returns the identity digest. Safe to log in full.
func (id Identity) String() string {
	return string(id)
}

// Fingerprint computes the device identity from environment signals.
//
// Signals gathered:
//   - os / arch (always present, not counted towards the minimum)
//   - machine id (Linux machine-id files)
//   - hostname
//   - locale (LC_ALL / LANG)
//   - timezone (current zone name)
//   - display geometry (SESSIOND_DISPLAY_GEOMETRY, exported by the shell)
//
// The signals are serialised deterministically (sorted key=value lines)
// and hashed with SHA-256. Identity is stable across restarts for the
// same host configuration.
//
// Returns:
//   - Identity: The computed identity
//   - error: ErrInsufficientSignals if fewer than two signals beyond
//     os/arch could be gathered
func Fingerprint() (Identity, error) {
	signals := gatherSignals()

	// os/arch alone would make every host of the same platform
	// indistinguishable — refuse to produce such an identity.
	if len(signals) < minSignals+2 {
		return "", fmt.Errorf("%w: got %d signals", ErrInsufficientSignals, len(signals))
	}

	return digest(signals), nil
}

// gatherSignals collects the available environment signals.
func gatherSignals() map[string]string {
	signals := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}

	if id := readMachineID(); id != "" {
		signals["machine_id"] = id
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		signals["hostname"] = host
	}

	if locale := readLocale(); locale != "" {
		signals["locale"] = locale
	}

	if zone, _ := time.Now().Zone(); zone != "" {
		signals["timezone"] = zone
	}

	// UI shells export their screen geometry so the identity matches
	// the browser-style fingerprint used by other Ledgerline clients.
	if geo := os.Getenv("SESSIOND_DISPLAY_GEOMETRY"); geo != "" {
		signals["display"] = geo
	}

	return signals
}

// readMachineID reads the machine id from the well-known Linux paths.
// Returns empty string if none is readable.
func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

// readLocale returns the active locale from the environment.
func readLocale() string {
	if v := os.Getenv("LC_ALL"); v != "" {
		return v
	}
	return os.Getenv("LANG")
}

// digest serialises signals deterministically and hashes them.
// Serialisation is sorted key=value lines, so map iteration order
// cannot change the identity.
func digest(signals map[string]string) Identity {
	keys := make([]string, 0, len(signals))
	for k := range signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(signals[k])
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Identity(hex.EncodeToString(sum[:]))
}
