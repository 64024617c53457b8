package meshage

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// mesh is an adjacency list: node name -> names of nodes it claims a
// direct connection to.
type mesh map[string][]string

// DefaultDegree bounds how many direct peer connections a node accepts
// before refusing further dials, keeping the tree shallow.
const DefaultDegree = 4

// Node is one participant in the tree-topology mesh: it holds direct
// connections to a handful of peers and computes routes to the rest of
// the mesh via the effective network those peers report.
type Node struct {
	name     string
	instance uint64

	timeout    time.Duration
	msaTimeout time.Duration
	degree     int

	meshLock         sync.Mutex
	network          mesh // what every known node claims to be connected to
	effectiveNetwork mesh // the symmetric subset of network
	routes           map[string]string

	clientLock sync.Mutex
	clients    map[string]*client

	sequenceLock sync.Mutex
	sequences    map[uint64]uint64
	nextID       uint64

	messagePump chan *Message
	receive     chan *Message

	// Snoop, if set, is invoked for every broadcast message flooded
	// through this node but not addressed to it.
	Snoop func(*Message)

	// OnPeerConnected, if set, is invoked once a direct peer finishes
	// the name handshake, on both the dialing and accepting side,
	// before any RELAY traffic can arrive from it. The ithildind
	// protocol layer uses this to know when to send its own
	// PASS/SERVER/SVINFO handshake to a newly-reachable peer.
	OnPeerConnected func(name string)

	listener net.Listener
}

// NewNode returns a Node named name (the server name it will
// advertise), with the given direct-connection degree cap (0 uses
// DefaultDegree).
func NewNode(name string, degree int) *Node {
	if degree <= 0 {
		degree = DefaultDegree
	}
	n := &Node{
		name:        name,
		instance:    uint64(time.Now().UnixNano()),
		timeout:     10 * time.Second,
		msaTimeout:  5 * time.Second,
		degree:      degree,
		network:     make(mesh),
		routes:      make(map[string]string),
		clients:     make(map[string]*client),
		sequences:   make(map[uint64]uint64),
		messagePump: make(chan *Message, 64),
		receive:     make(chan *Message, 64),
	}
	go n.messageHandler()
	return n
}

// Receive returns the channel of messages addressed to this node
// (Recipients containing its name, or broadcasts it is meant to act
// on).
func (n *Node) Receive() <-chan *Message { return n.receive }

// Name returns this node's advertised name.
func (n *Node) Name() string { return n.name }

// Listen accepts incoming peer connections on addr until the listener
// is closed via Stop.
func (n *Node) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("meshage: listen: %w", err)
	}
	n.listener = l
	go n.acceptLoop()
	return nil
}

// Stop closes the listener, if any.
func (n *Node) Stop() error {
	if n.listener == nil {
		return nil
	}
	return n.listener.Close()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		go n.handshakeInbound(conn)
	}
}

// Dial connects outbound to a peer at addr, exchanging names and
// registering the connection as a client of this node.
func (n *Node) Dial(addr string) error {
	if err := n.checkDegree(); err != nil {
		return err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("meshage: dial %s: %w", addr, err)
	}
	return n.handshakeOutbound(conn)
}

func (n *Node) handshakeOutbound(conn net.Conn) error {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := enc.Encode(n.name); err != nil {
		conn.Close()
		return err
	}
	var peerName string
	if err := dec.Decode(&peerName); err != nil {
		conn.Close()
		return err
	}
	n.registerClient(peerName, conn, enc, dec)
	return nil
}

func (n *Node) handshakeInbound(conn net.Conn) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	var peerName string
	if err := dec.Decode(&peerName); err != nil {
		conn.Close()
		return
	}
	if err := n.checkDegree(); err != nil {
		log.Info("meshage: rejecting inbound from %v: %v", peerName, err)
		conn.Close()
		return
	}
	if err := enc.Encode(n.name); err != nil {
		conn.Close()
		return
	}
	n.registerClient(peerName, conn, enc, dec)
}

func (n *Node) registerClient(peerName string, conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) {
	c := &client{name: peerName, conn: conn, enc: enc, dec: dec, ack: make(chan uint64, 1)}

	n.clientLock.Lock()
	n.clients[peerName] = c
	n.clientLock.Unlock()

	n.meshLock.Lock()
	n.network[n.name] = appendUnique(n.network[n.name], peerName)
	n.meshLock.Unlock()

	go n.clientHandler(peerName)

	if n.OnPeerConnected != nil {
		n.OnPeerConnected(peerName)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func (n *Node) checkDegree() error {
	n.clientLock.Lock()
	defer n.clientLock.Unlock()
	if len(n.clients) >= n.degree {
		return fmt.Errorf("meshage: degree limit %d reached", n.degree)
	}
	return nil
}

func (n *Node) getClient(host string) (*client, error) {
	n.clientLock.Lock()
	defer n.clientLock.Unlock()
	c, ok := n.clients[host]
	if !ok {
		return nil, fmt.Errorf("meshage: no such client %v", host)
	}
	return c, nil
}

func (n *Node) hasClient(host string) bool {
	n.clientLock.Lock()
	defer n.clientLock.Unlock()
	_, ok := n.clients[host]
	return ok
}

// checkUpdateNetwork recomputes the effective (symmetric) network and
// routing table from the current raw network graph. Send and
// BroadcastRecipients call this before consulting the routing
// table, so a topology change only costs a recompute on the next use
// rather than on every MSA received.
func (n *Node) checkUpdateNetwork() {
	n.meshLock.Lock()
	defer n.meshLock.Unlock()
	n.generateEffectiveNetwork()
}

// nextMessageID issues this node's next outgoing MSA sequence number.
func (n *Node) nextMessageID() uint64 {
	n.sequenceLock.Lock()
	defer n.sequenceLock.Unlock()
	n.nextID++
	return n.nextID
}

// MSA broadcasts this node's current adjacency list to every direct
// peer, letting the mesh converge on a shared topology view.
func (n *Node) MSA() {
	n.meshLock.Lock()
	adj := append([]string{}, n.network[n.name]...)
	n.meshLock.Unlock()

	m := &Message{
		Source:       n.name,
		Instance:     n.instance,
		CurrentRoute: []string{n.name},
		ID:           n.nextMessageID(),
		Command:      MSA,
		Body:         adj,
	}
	go n.flood(m)
}

// handleMSA merges an MSA's reported adjacency into this node's view
// of the network graph.
func (n *Node) handleMSA(m *Message) {
	adj, ok := m.Body.([]string)
	if !ok {
		return
	}
	n.meshLock.Lock()
	n.network[m.Source] = adj
	n.meshLock.Unlock()
}
