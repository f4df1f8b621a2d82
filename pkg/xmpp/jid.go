// Package xmpp holds the protocol-neutral XMPP model shared by the gateway:
// addresses, data forms, ad-hoc commands and the interfaces that connect the
// orchestrator to the component stream.
package xmpp

import (
	"fmt"
	"strings"
)

// JID is an XMPP address of the form local@domain/resource.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ParseJID splits s into its parts. Only the domain is mandatory.
func ParseJID(s string) (JID, error) {
	var j JID
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		j.Local = rest[:i]
		rest = rest[i+1:]
		if j.Local == "" {
			return JID{}, fmt.Errorf("invalid jid %q: empty localpart", s)
		}
	}
	j.Domain = rest
	if j.Domain == "" {
		return JID{}, fmt.Errorf("invalid jid %q: empty domain", s)
	}
	return j, nil
}

// MustParseJID is ParseJID for constants and tests.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Bare strips the resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// IsZero reports whether the address is unset.
func (j JID) IsZero() bool {
	return j.Domain == ""
}

// BareString is shorthand for j.Bare().String().
func (j JID) BareString() string {
	if j.Local == "" {
		return j.Domain
	}
	return j.Local + "@" + j.Domain
}

func (j JID) String() string {
	if j.Resource == "" {
		return j.BareString()
	}
	return j.BareString() + "/" + j.Resource
}
