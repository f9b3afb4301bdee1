package transport

import (
	"context"
	"fmt"
	"sync"
)

// LocalNetwork connects in-process transports by address. Multi-node
// behavior (quorums, gossip convergence, repair) is tested on it without
// opening sockets.
type LocalNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*LocalTransport
}

// NewLocalNetwork creates an empty in-process network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{endpoints: make(map[string]*LocalTransport)}
}

// Register attaches a handler at an address and returns its transport.
func (n *LocalNetwork) Register(addr string, handler Handler) *LocalTransport {
	t := &LocalTransport{network: n, addr: addr, handler: handler}
	n.mu.Lock()
	n.endpoints[addr] = t
	n.mu.Unlock()
	return t
}

// Partition detaches an address, simulating an unreachable node. Calls to
// it fail until the address is registered again.
func (n *LocalNetwork) Partition(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

func (n *LocalNetwork) lookup(addr string) (*LocalTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.endpoints[addr]
	return t, ok
}

// LocalTransport is one endpoint on a LocalNetwork.
type LocalTransport struct {
	network *LocalNetwork
	addr    string
	handler Handler
}

// Call delivers the message to the target's handler in-process. The
// context deadline still applies, so timeout paths behave as on sockets.
func (t *LocalTransport) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	target, ok := t.network.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	done := make(chan *Message, 1)
	go func() {
		done <- target.handler(ctx, msg)
	}()

	select {
	case reply := <-done:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the endpoint's registered address.
func (t *LocalTransport) Addr() string {
	return t.addr
}

// Close detaches the endpoint from the network.
func (t *LocalTransport) Close() error {
	t.network.Partition(t.addr)
	return nil
}
