// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Glob is a compiled wildcard pattern supporting '*' (zero or more runes)
// and '?' (exactly one rune). Matching is case-insensitive and anchored.
type Glob struct {
	pattern []rune
	any     bool
}

// CompileGlob compiles a wildcard pattern. An empty pattern matches everything.
func CompileGlob(pattern string) Glob {
	if pattern == "" || strings.Trim(pattern, "*") == "" {
		return Glob{any: true}
	}
	return Glob{pattern: foldRunes(pattern)}
}

// Match reports whether value matches the whole pattern.
func (g Glob) Match(value string) bool {
	if g.any {
		return true
	}
	return globMatch(g.pattern, foldRunes(value))
}

// MatchWildcard is the uncompiled form of Glob.Match.
func MatchWildcard(value, pattern string) bool {
	return CompileGlob(pattern).Match(value)
}

func foldRunes(s string) []rune {
	r := []rune(s)
	for i, c := range r {
		r[i] = unicode.ToLower(c)
	}
	return r
}

// globMatch runs in O(len(p)*len(s)) worst case by remembering only the
// most recent star position.
func globMatch(p, s []rune) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// AddressPattern is a parsed remote address filter.
type AddressPattern struct {
	prefix netip.Prefix
	any    bool
}

// ParseAddressPattern accepts an exact IP, a CIDR prefix, "*" or the empty
// string. The legacy trailing wildcard form is accepted only when it covers
// whole IPv4 octets, e.g. "10.*" or "192.168.*.*".
func ParseAddressPattern(pattern string) (AddressPattern, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return AddressPattern{any: true}, nil
	}

	if strings.Contains(pattern, "*") {
		prefix, err := parseOctetWildcard(pattern)
		if err != nil {
			return AddressPattern{}, err
		}
		return AddressPattern{prefix: prefix}, nil
	}

	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return AddressPattern{}, fmt.Errorf("invalid CIDR %q: %w", pattern, err)
		}
		if prefix.Addr().Is4In6() {
			bits := prefix.Bits() - 96
			if bits < 0 {
				return AddressPattern{}, fmt.Errorf("invalid CIDR %q: prefix too short for mapped address", pattern)
			}
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), bits)
		}
		return AddressPattern{prefix: prefix.Masked()}, nil
	}

	addr, err := netip.ParseAddr(pattern)
	if err != nil {
		return AddressPattern{}, fmt.Errorf("invalid IP address %q: %w", pattern, err)
	}
	addr = addr.Unmap()
	return AddressPattern{prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

func parseOctetWildcard(pattern string) (netip.Prefix, error) {
	parts := strings.Split(pattern, ".")
	if len(parts) > 4 {
		return netip.Prefix{}, fmt.Errorf("invalid address pattern %q: too many octets", pattern)
	}

	var octets [4]byte
	fixed := 0
	for i, part := range parts {
		if part == "*" {
			for _, rest := range parts[i+1:] {
				if rest != "*" {
					return netip.Prefix{}, fmt.Errorf("invalid address pattern %q: wildcard must be trailing", pattern)
				}
			}
			break
		}
		n, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid address pattern %q: wildcard must replace whole octets", pattern)
		}
		octets[i] = byte(n)
		fixed++
	}
	if fixed == 4 {
		return netip.Prefix{}, fmt.Errorf("invalid address pattern %q", pattern)
	}
	return netip.PrefixFrom(netip.AddrFrom4(octets), fixed*8), nil
}

// Match reports whether addr falls inside the pattern. Unparseable addresses never match.
func (p AddressPattern) Match(addr string) bool {
	if p.any {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	return p.prefix.Contains(a.Unmap())
}

// Any reports whether the pattern matches every address.
func (p AddressPattern) Any() bool { return p.any }

func (p AddressPattern) String() string {
	if p.any {
		return "*"
	}
	return p.prefix.String()
}

// MatchAddress is the uncompiled form of AddressPattern.Match. Invalid
// patterns match nothing.
func MatchAddress(addr, pattern string) bool {
	p, err := ParseAddressPattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(addr)
}

// IsActive reports whether the rule is enabled and inside its validity window at now.
func IsActive(r *Rule, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	now = now.UTC()
	if r.ValidFrom != nil && now.Before(r.ValidFrom.UTC()) {
		return false
	}
	if r.ValidUntil != nil && now.After(r.ValidUntil.UTC()) {
		return false
	}
	return true
}

type compiledRule struct {
	processName Glob
	hardwareID  Glob
	address     AddressPattern
	userSID     string
}

// compile builds the matchers cached on a stored rule.
func compile(r *Rule) (*compiledRule, error) {
	addr, err := ParseAddressPattern(r.RemoteAddress)
	if err != nil {
		return nil, &ValidationError{Field: "remote_address", Message: err.Error()}
	}
	return &compiledRule{
		processName: CompileGlob(r.ProcessName),
		hardwareID:  CompileGlob(r.HardwareID),
		address:     addr,
		userSID:     strings.ToLower(r.UserSID),
	}, nil
}

func (c *compiledRule) matchCommon(r *Rule, pid uint32, processName, userSID string) bool {
	if r.ProcessID != 0 && r.ProcessID != pid {
		return false
	}
	if !c.processName.Match(processName) {
		return false
	}
	if c.userSID != "" && c.userSID != strings.ToLower(userSID) {
		return false
	}
	return true
}

func (c *compiledRule) matchNetwork(r *Rule, ev *NetworkEvent) bool {
	if !c.matchCommon(r, ev.ProcessID, ev.ProcessName, ev.UserSID) {
		return false
	}
	if r.Protocol != ProtocolAny && r.Protocol != ev.Protocol {
		return false
	}
	if r.LocalPort != 0 && r.LocalPort != ev.LocalPort {
		return false
	}
	if r.RemotePort != 0 && r.RemotePort != ev.RemotePort {
		return false
	}
	return c.address.Match(ev.RemoteAddress)
}

func (c *compiledRule) matchDevice(r *Rule, ev *DeviceEvent) bool {
	if !c.matchCommon(r, ev.ProcessID, ev.ProcessName, ev.UserSID) {
		return false
	}
	if r.DeviceType != DeviceUnknown && r.DeviceType != ev.DeviceType {
		return false
	}
	return c.hardwareID.Match(ev.HardwareID)
}
