package meshage

import (
	"bytes"
	"errors"
	"fmt"
	"text/tabwriter"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// Frame kinds carried over the federation tree. ACK and MSA are the
// transport's own topology-maintenance primitives (link
// acknowledgement and adjacency announcement); RELAY is the one kind
// the ithildind protocol itself ever originates or consumes — it
// always carries exactly one SERVER/PASS/CAPAB/SVINFO/SJOIN/SQUIT
// wire line bound for a peer server or flooded to the whole tree, per
// spec.md §4.7. There is no generic "arbitrary payload" kind here the
// way the teacher's mesh framework offered one for its own plugin
// commands; this package only ever relays ithildind protocol text.
const (
	ACK = iota
	MSA
	RELAY
)

const (
	LOLLIPOP_LENGTH = 16
)

// A Message is the envelope for every frame crossing the federation
// tree. Body holds a []string adjacency list for MSA frames and a
// single protocol line (string) for RELAY frames; ACK frames carry no
// body.
type Message struct {
	Recipients   []string    // list of client recipients, unused if broadcasting
	Source       string      // source node name
	Instance     uint64      // ID for the instance, new on restart
	CurrentRoute []string    // list of hops for an in-flight message
	ID           uint64      // sequence ID, uses lollipop sequence numbering
	Command      int         // ACK, MSA, or RELAY — see the const block above
	Body         interface{} // []string adjacency (MSA) or a protocol line (RELAY)
}

func (m *Message) String() string {
	// create output
	var o bytes.Buffer
	w := new(tabwriter.Writer)
	w.Init(&o, 5, 0, 1, ' ', 0)
	fmt.Fprintf(&o, "\n")
	fmt.Fprintf(w, "\tSource:\t%v\n", m.Source)
	fmt.Fprintf(w, "\tRecipients:\t%v\n", m.Recipients)
	fmt.Fprintf(w, "\tCurrent Route:\t%v\n", m.CurrentRoute)
	fmt.Fprintf(w, "\tID:\t%v\n", m.ID)
	switch m.Command {
	case ACK:
		fmt.Fprintf(w, "\tCommand:\tACK\n")
	case MSA:
		fmt.Fprintf(w, "\tCommand:\tMSA\n")
	case RELAY:
		fmt.Fprintf(w, "\tCommand:\trelay\n")
	}
	//fmt.Fprintf(w, "\tBody:\t%v", m.Body)
	w.Flush()
	return o.String()
}

// Send a message according to the parameters set in the message.
// Users will generally use the SendLine and BroadcastLine functions instead of Send.
// Send returns an error at once when none of the recipients has a route;
// recipients without a route are otherwise skipped and left out of the
// returned list. Errors from individual peer sends are collected and
// returned together once every send has finished.
func (n *Node) Send(m *Message) ([]string, error) {
	if log.WillLog(log.DEBUG) {
		log.Debug("Send: %v", m)
	}

	// force updating the network if needed on Send()
	n.checkUpdateNetwork()

	routeSlices, err := n.getRoutes(m)
	if err != nil {
		return nil, err
	}

	if log.WillLog(log.DEBUG) {
		log.Debug("routeSlices: %v", routeSlices)
	}

	errChan := make(chan error)
	for k, v := range routeSlices {
		go func(client string, recipients []string) {
			mOne := &Message{
				Recipients:   recipients,
				Source:       m.Source,
				Instance:     m.Instance,
				CurrentRoute: m.CurrentRoute,
				Command:      m.Command,
				Body:         m.Body,
			}
			err := n.clientSend(client, mOne)
			if err != nil {
				errChan <- err
			} else {
				errChan <- nil
			}
		}(k, v)
	}

	// wait on all of the client sends to complete
	var ret string
	for i := 0; i < len(routeSlices); i++ {
		r := <-errChan
		if r != nil {
			ret += r.Error() + "\n"
		}
	}

	// Rebuild the recipients from the routeSlices so that the caller can know
	// which recipients were actually valid.
	recipients := []string{}
	for _, r := range routeSlices {
		recipients = append(recipients, r...)
	}

	if ret == "" {
		return recipients, nil
	}

	return recipients, errors.New(ret)
}

func (n *Node) getRoutes(m *Message) (map[string][]string, error) {
	routeSlices := make(map[string][]string)
	n.meshLock.Lock()
	defer n.meshLock.Unlock()

	for _, v := range m.Recipients {
		if v == n.name {
			if len(m.Recipients) == 1 {
				return nil, fmt.Errorf("cannot mesh send yourself")
			}
			continue
		}

		var route string
		var ok bool
		if route, ok = n.routes[v]; !ok {
			log.Warn("no route to host: %v, skipping", v)
			continue
		}
		routeSlices[route] = append(routeSlices[route], v)
	}

	if len(routeSlices) == 0 && len(m.Recipients) > 0 {
		return nil, fmt.Errorf("no route to any of %v", m.Recipients)
	}

	return routeSlices, nil
}

// relay sends a RELAY-kind frame to a set of nodes. relay blocks until
// an ACK is received from all recipient nodes, or until the timeout is
// reached. It is the one primitive internal/mesh's SERVER/SJOIN/SQUIT
// framing is built on; unlike the teacher's identically-shaped `Set`,
// it is not exposed as a place for arbitrary caller payloads, since
// this package only ever relays ithildind protocol lines.
func (n *Node) relay(recipients []string, body interface{}) ([]string, error) {
	m := &Message{
		Recipients:   recipients,
		Source:       n.name,
		Instance:     n.instance,
		CurrentRoute: []string{n.name},
		Command:      RELAY,
		Body:         body,
	}
	return n.Send(m)
}

// SendLine relays one wire-protocol line to the named peer servers,
// per spec.md §4.7's peer-directed SERVER/PASS/CAPAB/SVINFO/SQUIT
// framing. This is the typed entry point internal/mesh.Link uses
// instead of reaching for a generic interface{}-typed Set.
func (n *Node) SendLine(recipients []string, line string) ([]string, error) {
	return n.relay(recipients, line)
}

// BroadcastLine floods one wire-protocol line (typically an SJOIN or
// SQUIT propagation) to every node currently in the federation tree.
func (n *Node) BroadcastLine(line string) ([]string, error) {
	m := &Message{
		Recipients:   n.BroadcastRecipients(),
		Source:       n.name,
		Instance:     n.instance,
		CurrentRoute: []string{n.name},
		Command:      RELAY,
		Body:         line,
	}
	return n.Send(m)
}

// Determine all the nodes on the mesh that would receive a broadcast message
// from this node. This excludes the node itself as nodes cannot send messages
// to themselves.
func (n *Node) BroadcastRecipients() []string {
	n.checkUpdateNetwork()

	n.meshLock.Lock()
	defer n.meshLock.Unlock()

	var recipients []string
	for k, _ := range n.effectiveNetwork {
		if k != n.name {
			recipients = append(recipients, k)
		}
	}

	return recipients
}

// messageHandler accepts frames from every connected peer server and
// forwards them to the appropriate handler: adjacency updates feed the
// federation tree's route computation, and protocol lines feed either
// local dispatch (this node is a recipient) or the operator Snoop hook
// (this node is only forwarding the line on to its destination).
func (n *Node) messageHandler() {
	log.Debugln("messageHandler")
	for {
		m := <-n.messagePump
		if log.WillLog(log.DEBUG) {
			log.Debug("messageHandler: %v", m)
		}
		m.CurrentRoute = append(m.CurrentRoute, n.name)

		switch m.Command {
		case MSA:
			n.sequenceLock.Lock()
			if m.ID == 1 && n.sequences[m.Instance] > LOLLIPOP_LENGTH {
				n.sequences[m.Instance] = 0
			}
			if m.ID > n.sequences[m.Instance] {
				n.sequences[m.Instance] = m.ID

				go n.handleMSA(m)
				go n.flood(m)
			} else {
				log.Debug("dropping broadcast: %v:%v", m.Source, m.ID)
			}
			n.sequenceLock.Unlock()
		case RELAY:
			var newRecipients []string
			runLocal := false
			for _, i := range m.Recipients {
				if i == n.name {
					runLocal = true
				} else {
					newRecipients = append(newRecipients, i)
				}
			}
			m.Recipients = newRecipients

			go n.Send(m)
			if runLocal {
				go n.handleRelay(m)
			} else {
				if n.Snoop != nil {
					go n.Snoop(m)
				}
			}
		default:
			log.Errorln("unknown federation frame kind: ", m.Command)
		}
	}
}

func (n *Node) flood(m *Message) {
	if log.WillLog(log.DEBUG) {
		log.Debug("flood: %v", m)
	}

	n.clientLock.Lock()
	defer n.clientLock.Unlock()

floodLoop:
	for k, _ := range n.clients {
		for _, j := range m.CurrentRoute {
			if k == j {
				continue floodLoop
			}
		}
		go func(j string, m *Message) {
			err := n.clientSend(j, m)
			if err != nil {
				// is j still a client?
				if n.hasClient(j) {
					log.Error("flood to client %v: %v", j, err)
				}
			}
		}(k, m)
	}
}

// handleRelay hands a RELAY frame addressed to this node to the
// Receive() channel, where internal/mesh's frame loop parses the
// carried line as a SERVER/PASS/CAPAB/SVINFO/SJOIN/SQUIT command and
// dispatches it.
func (n *Node) handleRelay(m *Message) {
	n.receive <- m
}
