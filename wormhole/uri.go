package wormhole

import (
	"fmt"
	"net/url"
	"strings"
)

// URI is a parsed "wormhole-transfer:" link (spec.md §6 "Wormhole URI":
// "wormhole-transfer:<code>?version=0&rendezvous=<url> (percent-encoded)").
type URI struct {
	Code          Code
	RendezvousURL string
}

// ParseURI parses a wormhole-transfer URI into its code and an optional
// override rendezvous URL.
func ParseURI(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, &CodeError{Input: s, Err: err}
	}
	if u.Scheme != "wormhole-transfer" {
		return URI{}, &CodeError{Input: s, Err: fmt.Errorf("unexpected scheme %q", u.Scheme)}
	}
	codeStr := u.Opaque
	if codeStr == "" {
		codeStr = strings.TrimPrefix(u.Path, "/")
	}
	code, err := ParseCode(codeStr)
	if err != nil {
		return URI{}, err
	}
	return URI{Code: code, RendezvousURL: u.Query().Get("rendezvous")}, nil
}

// String renders the canonical wormhole-transfer URI form.
func (u URI) String() string {
	v := url.Values{}
	v.Set("version", "0")
	if u.RendezvousURL != "" {
		v.Set("rendezvous", u.RendezvousURL)
	}
	return fmt.Sprintf("wormhole-transfer:%s?%s", u.Code.String(), v.Encode())
}
