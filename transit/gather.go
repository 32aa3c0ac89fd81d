package transit

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
	"github.com/wlynxg/anet"
)

// GatherOptions controls which hint sources Gather consults.
type GatherOptions struct {
	// ListenPort is the local TCP port this side is listening on for direct
	// connections.
	ListenPort int

	// ForceDirect suppresses relay hints; ForceRelay suppresses direct
	// hints (spec.md §4.3 "--force-direct/--force-relay").
	ForceDirect bool
	ForceRelay  bool

	// Relays are statically configured relay candidates to offer.
	Relays []Hint

	// STUNServer, if non-empty, is queried once to discover a public
	// direct-tcp hint candidate (spec.md §2.2 domain-stack enrichment).
	// Disabled by default; transit functions identically without it.
	STUNServer string
	STUNTimeout time.Duration
}

// Gather builds the HintSet this side offers to its peer over the
// encrypted mailbox. Local interface enumeration follows the ICE
// candidate-gathering pattern, generalized from UDP+anet to TCP.
func Gather(ctx context.Context, opts GatherOptions) HintSet {
	log := logrus.WithFields(logrus.Fields{"package": "transit", "function": "Gather"})

	hs := HintSet{}
	if !opts.ForceRelay {
		hs.Abilities = append(hs.Abilities, AbilityDirectTCP)
		hs.Direct = localDirectHints(opts.ListenPort)

		if opts.STUNServer != "" {
			if hint, err := stunDirectHint(ctx, opts.STUNServer, opts.STUNTimeout); err != nil {
				log.WithError(err).Debug("STUN hint discovery failed, continuing without it")
			} else {
				hs.Direct = append(hs.Direct, hint)
			}
		}
	}
	if !opts.ForceDirect {
		hs.Abilities = append(hs.Abilities, AbilityRelay)
		hs.Relays = append(hs.Relays, opts.Relays...)
	}
	return hs
}

// localDirectHints enumerates this host's non-loopback interface addresses
// using anet, which (unlike net.Interfaces on some platforms) works inside
// sandboxes and containers that restrict /proc access.
func localDirectHints(port int) []Hint {
	addrs, err := anet.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var hints []Hint
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		hints = append(hints, Hint{Kind: HintDirectTCP, Hostname: ipNet.IP.String(), Port: port})
	}
	return hints
}

// stunDirectHint issues a single STUN binding request to learn this host's
// public address/port mapping, usable as a direct-tcp hint when the NAT
// performs endpoint-independent mapping.
func stunDirectHint(ctx context.Context, server string, timeout time.Duration) (Hint, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "udp4", server)
	if err != nil {
		return Hint{}, fmt.Errorf("transit: dialing STUN server %s: %w", server, err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return Hint{}, fmt.Errorf("transit: creating STUN client: %w", err)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	type result struct {
		hint Hint
		err  error
	}
	resCh := make(chan result, 1)
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			resCh <- result{err: res.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		if getErr := xorAddr.GetFrom(res.Message); getErr != nil {
			resCh <- result{err: getErr}
			return
		}
		resCh <- result{hint: Hint{Kind: HintDirectTCP, Hostname: xorAddr.IP.String(), Port: xorAddr.Port}}
	})
	if err != nil {
		return Hint{}, fmt.Errorf("transit: sending STUN request: %w", err)
	}

	select {
	case r := <-resCh:
		return r.hint, r.err
	case <-dialCtx.Done():
		return Hint{}, dialCtx.Err()
	}
}
