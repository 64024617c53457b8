package meshage

import (
	"encoding/gob"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

const (
	deadlineMultiplier = 2
)

// client is one directly-connected peer server link in the federation
// tree — the transport-level counterpart to internal/mesh.Link, which
// owns that peer's model.Server record and handshake/burst state.
type client struct {
	name string // peer server's name, as given during the gob handshake
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	ack  chan uint64
	lock sync.Mutex
}

func (n *Node) clientSend(host string, m *Message) error {
	if log.WillLog(log.DEBUG) {
		log.Debug("clientSend %s: %v", host, m)
	}

	c, err := n.getClient(host)
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	err = c.enc.Encode(m)
	if err != nil {
		c.conn.Close()
		return err
	}

	// wait for a response
	for {
		select {
		case ID := <-c.ack:
			if ID == m.ID {
				return nil
			}
		case <-time.After(n.timeout):
			c.conn.Close()
			return errors.New("timeout")
		}
	}
}

// clientHandler is the per-peer read loop that feeds decoded frames
// (MSA adjacency announcements and RELAY-carried SERVER/SJOIN/SQUIT
// lines alike) into the node's messagePump. It begins by issuing an
// MSA so the federation tree learns of the new edge immediately; when
// the peer disconnects, another MSA announces its removal.
func (n *Node) clientHandler(host string) {
	log.Debug("clientHandler: %v", host)

	c, err := n.getClient(host)
	if err != nil {
		log.Error("peer server %v vanished -- %v", host, err)
		return
	}

	n.MSA()

	for {
		var m Message
		c.conn.SetReadDeadline(time.Now().Add(deadlineMultiplier * n.msaTimeout))
		err := c.dec.Decode(&m)
		if err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "connection reset by peer") {
				log.Error("client %v decode: %v", host, err)
			}
			break
		}
		if log.WillLog(log.DEBUG) {
			log.Debug("decoded message: %v: %v", c.name, &m)
		}
		if m.Command == ACK {
			c.ack <- m.ID
		} else {
			// send an ack
			a := Message{
				Command: ACK,
				ID:      m.ID,
			}
			c.conn.SetWriteDeadline(time.Now().Add(deadlineMultiplier * n.msaTimeout))
			err := c.enc.Encode(a)
			if err != nil {
				if err != io.EOF {
					log.Error("client %v encode ACK: %v", host, err)
				}
				break
			}
			n.messagePump <- &m
		}
	}
	log.Info("client %v disconnected", host)

	// client has disconnected
	c.conn.Close()
	n.clientLock.Lock()
	delete(n.clients, c.name)
	n.clientLock.Unlock()
	go n.checkDegree()

	n.MSA()
}

// Dicconnect from the specified host.
func (n *Node) Hangup(host string) error {
	log.Debug("hangup: %v", host)

	c, err := n.getClient(host)
	if err != nil {
		return err
	}

	c.conn.Close()
	return nil
}
