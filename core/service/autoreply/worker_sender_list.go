package autoreply

import "strings"

// senderList matches sender addresses by exact address or by domain.
// Entries may be "ann@corp.com", "corp.com", "@corp.com" or "*@corp.com".
type senderList struct {
	addresses map[string]bool
	domains   map[string]bool
}

func newSenderList(entries []string) senderList {
	l := senderList{addresses: map[string]bool{}, domains: map[string]bool{}}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, "*")
		switch {
		case e == "":
		case strings.HasPrefix(e, "@"):
			l.domains[e[1:]] = true
		case strings.Contains(e, "@"):
			l.addresses[e] = true
		default:
			l.domains[e] = true
		}
	}
	return l
}

func (l senderList) empty() bool {
	return len(l.addresses) == 0 && len(l.domains) == 0
}

func (l senderList) matches(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if l.addresses[addr] {
		return true
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	return l.domains[addr[at+1:]]
}
