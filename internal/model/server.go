package model

// ServerFlags are the boolean flags spec.md §3 lists for a Server
// record.
type ServerFlags struct {
	Hub               bool
	Hidden            bool
	Master            bool
	Bursting          bool
	BurstNickChanDone bool
	BurstMiscDone     bool
	Registered        bool
	Introduced        bool
}

// CapabilityFlags are the peer protocol-flag bits negotiated via
// CAPAB, per spec.md §4.7.
type CapabilityFlags struct {
	NoQuit bool
	SJoin  bool
	SSJoin bool
	TSMode bool
	Attr   bool
}

// ServerConnection is the minimal back-pointer contract a direct
// server link satisfies, mirroring ClientConnection to avoid an
// import cycle with internal/conn or internal/mesh.
type ServerConnection interface {
	Self() *Server
}

// Server is a node in the server tree, per spec.md §3.
type Server struct {
	Name  string
	Gecos string
	Hops  int

	Parent   *Server // nil for self (the root) and for a server removed by Detach
	Children map[*Server]bool

	Flags ServerFlags
	Caps  CapabilityFlags

	conn ServerConnection // non-nil iff directly connected to us
}

// NewServer constructs a server record. parent is nil only for the
// local node itself.
func NewServer(name, gecos string, hops int, parent *Server) *Server {
	s := &Server{Name: name, Gecos: gecos, Hops: hops, Parent: parent, Children: make(map[*Server]bool)}
	if parent != nil {
		parent.Children[s] = true
	}
	return s
}

// AttachConnection records the direct connection for a newly-linked
// peer, satisfying "optional connection (non-null iff directly
// connected to us)".
func (s *Server) AttachConnection(conn ServerConnection) { s.conn = conn }

// Connection returns the direct connection, or nil if this server is
// reached only via another hop.
func (s *Server) Connection() ServerConnection { return s.conn }

// Direct reports whether this server is directly connected to us.
func (s *Server) Direct() bool { return s.conn != nil }

// Reachable reports whether s is reachable from root by walking parent
// pointers, satisfying the Client invariant "the owning server is
// reachable in the server tree".
func Reachable(s, root *Server) bool {
	for cur := s; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}

// Subtree returns s and every descendant, depth-first, used by SQUIT
// teardown (spec.md §4.7: "recurse into every child server").
func Subtree(s *Server) []*Server {
	out := []*Server{s}
	for child := range s.Children {
		out = append(out, Subtree(child)...)
	}
	return out
}

// Detach removes s from its parent's child set and clears s.Parent,
// used when tearing down a SQUIT target.
func (s *Server) Detach() {
	if s.Parent != nil {
		delete(s.Parent.Children, s)
		s.Parent = nil
	}
}
