package anonymization

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// indicatorPattern matches, in priority order, an email address, an IPv4
// address, an IPv6 candidate and a domain name.
var indicatorPattern = regexp.MustCompile(
	`(?P<email>[A-Za-z0-9._%+\-]+@(?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63})` +
		`|(?P<ipv4>\b(?:\d{1,3}\.){3}\d{1,3}\b)` +
		`|(?P<ipv6>(?:[0-9A-Fa-f]{0,4}:){2,7}[0-9A-Fa-f]{0,4})` +
		`|(?P<domain>\b(?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}\b)`,
)

var (
	groupEmail  = indicatorPattern.SubexpIndex("email")
	groupIPv4   = indicatorPattern.SubexpIndex("ipv4")
	groupIPv6   = indicatorPattern.SubexpIndex("ipv6")
	groupDomain = indicatorPattern.SubexpIndex("domain")
)

// quotedLiteral matches single-quoted STIX pattern literals with escapes.
var quotedLiteral = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

// maskPatternLiterals masks indicators inside the quoted literals of a STIX
// pattern, leaving object paths and operators untouched.
func maskPatternLiterals(pattern string) string {
	return quotedLiteral.ReplaceAllStringFunc(pattern, func(lit string) string {
		inner := lit[1 : len(lit)-1]
		return "'" + maskIndicators(inner) + "'"
	})
}

// maskIndicators masks every email, IP address and domain in s in one pass.
func maskIndicators(s string) string {
	matches := indicatorPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		b.WriteString(maskMatch(s, m))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func maskMatch(s string, m []int) string {
	text := s[m[0]:m[1]]
	switch {
	case m[2*groupEmail] >= 0:
		return maskEmail(text)
	case m[2*groupIPv4] >= 0:
		return maskIPv4(text)
	case m[2*groupIPv6] >= 0:
		return maskIPv6(text)
	case m[2*groupDomain] >= 0:
		return maskDomain(text)
	}
	return text
}

// maskIPv4 keeps the first two octets.
func maskIPv4(s string) string {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return s
	}
	parts := strings.Split(s, ".")
	return parts[0] + "." + parts[1] + ".xxx.xxx"
}

// maskIPv6 keeps the first four groups of the expanded address.
func maskIPv6(s string) string {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil || !strings.Contains(s, ":") {
		return s
	}
	ip = ip.To16()
	groups := make([]string, 4)
	for i := range groups {
		groups[i] = fmt.Sprintf("%x", uint16(ip[2*i])<<8|uint16(ip[2*i+1]))
	}
	return strings.Join(groups, ":") + ":xxxx:xxxx:xxxx:xxxx"
}

// maskDomain keeps the last two labels and collapses the rest to "*".
func maskDomain(s string) string {
	labels := strings.Split(s, ".")
	if len(labels) <= 2 {
		return s
	}
	return "*." + strings.Join(labels[len(labels)-2:], ".")
}

// maskEmail masks the local part and the domain.
func maskEmail(s string) string {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	return maskedValue + "@" + maskDomain(s[at+1:])
}
