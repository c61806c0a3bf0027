package dhtnet

import (
	"context"
	"encoding/json"
	"time"

	"shardpeer/protocol"
)

// tunnelAnnounceTopic carries the contacts of peers currently volunteering
// gateway capacity.
const tunnelAnnounceTopic = "shardpeer/tunnel-announce"

// volunteerRegistry is the slice of the tunnel server the announce loop
// feeds; tunnel.Server satisfies it.
type volunteerRegistry interface {
	AddVolunteer(protocol.Contact)
}

// StartTunnelAnnounce runs the tunneler-announce loop: every interval,
// publish our own contact on the announce topic while we still have free
// gateway capacity, and record every announcement heard from other peers as
// a volunteer for FIND_TUNNEL to hand out. The loop stops when ctx is done.
func (n *Node) StartTunnelAnnounce(ctx context.Context, interval time.Duration) error {
	incoming, err := n.topics.subscribe(ctx, tunnelAnnounceTopic, n.log)
	if err != nil {
		return err
	}
	registry, _ := n.tunnel.(volunteerRegistry)

	go func() {
		for raw := range incoming {
			var c protocol.Contact
			if err := json.Unmarshal(raw, &c); err != nil {
				continue
			}
			if c.Identity == "" || c.Identity == n.self.Identity {
				continue
			}
			n.table.Add(c)
			if registry != nil {
				registry.AddVolunteer(c)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n.tunnel == nil || !n.tunnel.HasFreeGateway() {
					continue
				}
				raw, err := json.Marshal(n.self)
				if err != nil {
					continue
				}
				if err := n.topics.publish(ctx, tunnelAnnounceTopic, raw); err != nil {
					n.log.WithError(err).Debug("dhtnet: tunnel announce publish failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
