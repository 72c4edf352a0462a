// Package fingerprint derives the device fingerprint sent with attempt
// writes so the server can correlate a session with one machine.
package fingerprint

import (
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Signals are the host properties folded into the fingerprint.
type Signals struct {
	Hostname  string
	OS        string
	Arch      string
	CPUs      int
	HWAddrs   []string
	UserAgent string
}

// Collect reads the signals of the current host. userAgent is reported by
// the browser shell and may be empty.
func Collect(userAgent string) Signals {
	host, _ := os.Hostname()
	return Signals{
		Hostname:  host,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		HWAddrs:   hardwareAddrs(),
		UserAgent: userAgent,
	}
}

// Sum returns the hex blake2b-256 digest of the signals. Interface order does
// not affect the result.
func (s Signals) Sum() string {
	addrs := append([]string(nil), s.HWAddrs...)
	sort.Strings(addrs)

	parts := []string{
		"host=" + s.Hostname,
		"os=" + s.OS,
		"arch=" + s.Arch,
		"cpus=" + strconv.Itoa(s.CPUs),
		"hw=" + strings.Join(addrs, ","),
		"ua=" + s.UserAgent,
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Compute is Collect(userAgent).Sum().
func Compute(userAgent string) string {
	return Collect(userAgent).Sum()
}

func hardwareAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		out = append(out, iface.HardwareAddr.String())
	}
	return out
}
