package dhtnet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"shardpeer/perr"
)

// FetchShard satisfies protocol.ShardFetcher: pull shard bytes from another
// peer's shard HTTP endpoint using a token that peer issued. The address is
// the source's shard-server host:port (carried in MIRROR's source_contact),
// not a libp2p multiaddr — shard bytes travel over plain token-authorized
// HTTP, never the RPC stream protocol.
func (n *Node) FetchShard(ctx context.Context, address, hash, tok string) ([]byte, error) {
	url := address
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = fmt.Sprintf("%s/shards/%s?token=%s", strings.TrimSuffix(url, "/"), hash, tok)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "dhtnet: fetch shard request: "+err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: fetch shard: "+err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, perr.Wrap(perr.ErrUnauthorizedToken, fmt.Sprintf("dhtnet: fetch shard: source replied %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "dhtnet: fetch shard body: "+err.Error())
	}
	return data, nil
}
