package transit

import "encoding/json"

// MarshalJSON renders a HintSet in the wire shape exchanged over the
// encrypted mailbox (spec.md §4.3).
func (hs HintSet) MarshalJSON() ([]byte, error) {
	w := wireHint{Abilities: hs.Abilities}
	for _, h := range hs.Direct {
		w.Hints = append(w.Hints, toWireEntry(h))
	}
	for _, r := range hs.Relays {
		w.Hints = append(w.Hints, toWireEntry(r))
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses a peer's HintSet document.
func (hs *HintSet) UnmarshalJSON(data []byte) error {
	var w wireHint
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hs.Abilities = w.Abilities
	hs.Direct = nil
	hs.Relays = nil
	for _, e := range w.Hints {
		h := fromWireEntry(e)
		if h.Kind == HintRelayTCP {
			hs.Relays = append(hs.Relays, h)
		} else {
			hs.Direct = append(hs.Direct, h)
		}
	}
	return nil
}

// Has reports whether the set advertises ability a.
func (hs HintSet) Has(a Ability) bool {
	for _, have := range hs.Abilities {
		if have == a {
			return true
		}
	}
	return false
}
