package model

import (
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultDestPort is used when a dest carries no port
const DefaultDestPort = 80

// MaxIdleTimeoutMs is the largest idle timeout that fits a time.Duration
const MaxIdleTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// Profile is a named forwarding configuration
type Profile struct {
	// Source is the local port the service listens on
	Source int `json:"source" yaml:"source"`
	// Dest is host, host:port, or a bare port resolved against localhost
	Dest string `json:"dest" yaml:"dest"`
	// IdleTimeoutMs closes a connection after that much client inactivity (0 disables)
	IdleTimeoutMs int64 `json:"idleTimeoutMs" yaml:"idleTimeoutMs"`
	// AutoStart opens the service as soon as the profile is loaded
	AutoStart bool `json:"autoStart" yaml:"autoStart"`
}

// ProfileDocument is the persisted profile set, keyed by profile name
type ProfileDocument map[string]Profile

// Clone returns a copy that shares nothing with d
func (d ProfileDocument) Clone() ProfileDocument {
	out := make(ProfileDocument, len(d))
	for name, p := range d {
		out[name] = p
	}
	return out
}

// Names returns the profile names in sorted order
func (d ProfileDocument) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateProfileName checks a profile name
func ValidateProfileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

// ValidateProfile checks every field of p and returns its sanitized form.
// A bare port dest becomes localhost:port. Nothing is applied when any field fails.
func ValidateProfile(p Profile) (Profile, error) {
	out := Profile{AutoStart: p.AutoStart}

	if !IsValidPort(p.Source) {
		return Profile{}, ErrInvalidSource.Withf("invalid source option %d (source option must be integer(>=0, <65535))", p.Source)
	}
	out.Source = p.Source

	dest, err := normalizeDest(p.Dest)
	if err != nil {
		return Profile{}, err
	}
	out.Dest = dest

	if p.IdleTimeoutMs < 0 || p.IdleTimeoutMs > MaxIdleTimeoutMs {
		return Profile{}, ErrInvalidTimeout.Withf("invalid connection idle timeout value %d", p.IdleTimeoutMs)
	}
	out.IdleTimeoutMs = p.IdleTimeoutMs

	return out, nil
}

// IsValidPort reports whether port is usable as a listening source port
func IsValidPort(port int) bool {
	return port >= 0 && port < 0xffff
}

// DestAddress returns the dial address of a sanitized dest
func DestAddress(dest string) string {
	if host, port, err := net.SplitHostPort(dest); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(strings.Trim(dest, "[]"), strconv.Itoa(DefaultDestPort))
}

func normalizeDest(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	invalid := ErrInvalidDest.Withf("invalid dest option %q (dest option must be a host, host:port or port)", dest)

	if dest == "" {
		return "", invalid
	}

	if port, err := strconv.Atoi(dest); err == nil {
		if port <= 0 || port > 0xffff {
			return "", invalid
		}
		return "localhost:" + strconv.Itoa(port), nil
	}

	if host, portStr, err := net.SplitHostPort(dest); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 0xffff {
			return "", invalid
		}
		host, ok := normalizeHost(host)
		if !ok {
			return "", invalid
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	// bare IPv6 literals are only accepted in brackets
	if strings.HasPrefix(dest, "[") && strings.HasSuffix(dest, "]") {
		ip := net.ParseIP(dest[1 : len(dest)-1])
		if ip == nil || ip.To4() != nil {
			return "", invalid
		}
		return "[" + ip.String() + "]", nil
	}
	if strings.Contains(dest, ":") {
		return "", invalid
	}

	host, ok := normalizeHost(dest)
	if !ok {
		return "", invalid
	}
	return host, nil
}

func normalizeHost(host string) (string, bool) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), true
	}
	if !isValidHostname(host) {
		return "", false
	}
	return strings.ToLower(host), true
}

func isValidHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
