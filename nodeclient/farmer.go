package nodeclient

import (
	"context"

	"github.com/sirupsen/logrus"

	"shardpeer/contract"
	"shardpeer/identity"
	"shardpeer/perr"
	"shardpeer/protocol"
	"shardpeer/storage"
)

// Farmer is the bidding side of the OFFER round trip: it drains published
// shard descriptors, fills in the farmer half of each contract, signs it,
// sends OFFER back to the publishing renter, and on a complete
// countersigned reply records the contract locally so the renter's
// follow-up CONSIGN/RETRIEVE/AUDIT calls find it.
type Farmer struct {
	client  *Client
	id      *identity.Identity
	store   storage.Store
	payment string
	log     *logrus.Entry
}

// NewFarmer wires a farmer bidding with id over client, storing accepted
// contracts in store and directing payment to paymentDestination.
func NewFarmer(client *Client, id *identity.Identity, store storage.Store, paymentDestination string, log *logrus.Logger) *Farmer {
	if log == nil {
		log = logrus.New()
	}
	return &Farmer{
		client:  client,
		id:      id,
		store:   store,
		payment: paymentDestination,
		log:     log.WithField("component", "farmer"),
	}
}

// Run bids on every descriptor until ctx is done or the channel closes.
// Individual bid failures (a renter that picked another farmer, a stale
// descriptor) are logged and skipped, not surfaced.
func (f *Farmer) Run(ctx context.Context, descriptors <-chan Descriptor) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-descriptors:
			if !ok {
				return
			}
			if err := f.Bid(ctx, d); err != nil {
				f.log.WithError(err).WithField("hash", d.Contract.DataHash).Debug("farmer: bid not accepted")
				continue
			}
			f.log.WithField("hash", d.Contract.DataHash).Info("farmer: contract accepted")
		}
	}
}

// Bid fills the farmer side of one descriptor's contract, signs it as the
// farmer, sends OFFER to the publishing renter, and on a complete
// countersigned reply installs the contract under its shard hash.
func (f *Farmer) Bid(ctx context.Context, d Descriptor) error {
	c := *d.Contract
	c.FarmerID = f.id.NodeID().String()
	c.PaymentDestination = f.payment
	if hd := f.id.HDExtendedPublicKey(); hd != "" {
		c.FarmerHDKey = hd
		c.FarmerHDIndex = f.id.HDIndex()
	}
	if err := c.Sign(contract.RoleFarmer, f.id); err != nil {
		return err
	}

	raw, err := f.client.sender.Send(ctx, d.Contact, "OFFER", protocol.OfferParams{Contract: &c})
	result, err := decode[protocol.OfferResult](raw, err)
	if err != nil {
		return err
	}
	if result.Contract == nil {
		return perr.Wrap(perr.ErrInvalidMessage, "nodeclient: offer reply missing contract")
	}
	complete, err := result.Contract.IsComplete()
	if err != nil {
		return err
	}
	if !complete {
		return perr.Wrap(perr.ErrInvalidContract, "nodeclient: offer reply incomplete")
	}

	item, err := f.store.Peek(c.DataHash)
	if err != nil {
		item = storage.NewItem(c.DataHash)
	}
	item.PutContract(result.Contract.RenterID, result.Contract)
	return f.store.Put(c.DataHash, item)
}
