package core

// location.go – the location-service adapter: maintains a persistent,
// reconnecting connection to an external location service speaking its own
// length-prefixed protobuf dialect, distinct from the internal catalogue in
// wire_messages.go since it talks to a different system entirely. Framing
// is reused from wire.go's ReadFrame/WriteFrame since both dialects share
// the same length-prefixed shape.

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/sirupsen/logrus"
)

// locKind tags the single byte prepended to every frame on the location
// service connection, since that dialect has no Envelope/RequestID concept
// of its own.
type locKind byte

const (
	locKindRegisterService locKind = iota + 1
	locKindGetNeighbourNodesByDistance
	locKindNeighbourhoodChanged
	locKindDeregisterService
)

const (
	locDialTimeout  = 10 * time.Second
	locPollInterval = 1 * time.Second
	locBackoffBase  = 5 * time.Second
	locBackoffCap   = 5 * time.Minute

	// defaultNeighborhoodExpiration bounds how long a neighbor may go without
	// a refresh before the stale-neighbor sweep reaps it. Twice refreshFollowersPeriod gives a neighbor slack for one
	// missed refresh cycle before it's considered stale.
	defaultNeighborhoodExpiration = 2 * refreshFollowersPeriod
)

// --- message payloads ---

type locRegisterServiceMsg struct {
	PrimaryPort int
	Latitude    float64
	Longitude   float64
}

func (m *locRegisterServiceMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(m.PrimaryPort))
	encodeFloat64Field(buf, 2, m.Latitude)
	encodeFloat64Field(buf, 3, m.Longitude)
	return buf.Bytes()
}

type locGetNeighbourNodesByDistanceMsg struct {
	KeepAliveAndSendUpdates bool
}

func (m *locGetNeighbourNodesByDistanceMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBoolField(buf, 1, m.KeepAliveAndSendUpdates)
	return buf.Bytes()
}

// locNeighbourNode is one entry pushed in a NeighbourhoodChanged notification.
type locNeighbourNode struct {
	ServerID       IdentityID
	IPAddress      string
	PrimaryPort    int
	SrNeighborPort int
	Latitude       float64
	Longitude      float64
}

func (n *locNeighbourNode) unmarshal(data []byte) error {
	*n = locNeighbourNode{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			if len(b) == len(n.ServerID) {
				copy(n.ServerID[:], b)
			}
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			n.IPAddress = string(b)
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			n.PrimaryPort = int(v)
		case 4:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			n.SrNeighborPort = int(v)
		case 5:
			v, err := c.readFixed64()
			if err != nil {
				return err
			}
			n.Latitude = math.Float64frombits(v)
		case 6:
			v, err := c.readFixed64()
			if err != nil {
				return err
			}
			n.Longitude = math.Float64frombits(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// locNeighbourhoodChangedMsg is the server-push notification this adapter
// translates into AddNeighbor/RemoveNeighbor actions.
type locNeighbourhoodChangedMsg struct {
	Added   []locNeighbourNode
	Removed []IdentityID
}

func (m *locNeighbourhoodChangedMsg) Unmarshal(data []byte) error {
	*m = locNeighbourhoodChangedMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var n locNeighbourNode
			if err := n.unmarshal(b); err != nil {
				return err
			}
			m.Added = append(m.Added, n)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var id IdentityID
			if len(b) == len(id) {
				copy(id[:], b)
			}
			m.Removed = append(m.Removed, id)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeLocFrame(conn net.Conn, kind locKind, payload []byte) error {
	framed := make([]byte, 1+len(payload))
	framed[0] = byte(kind)
	copy(framed[1:], payload)
	return WriteFrame(conn, framed)
}

func readLocFrame(conn net.Conn) (locKind, []byte, error) {
	frame, err := ReadFrame(conn)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("location service: empty frame")
	}
	return locKind(frame[0]), frame[1:], nil
}

// LocationAdapter maintains the persistent connection to the external
// location service described above, enqueueing replication actions as it learns of
// neighborhood changes.
type LocationAdapter struct {
	server   *Server
	endpoint string
	logger   *logrus.Entry

	stop chan struct{}
	done chan struct{}
}

// NewLocationAdapter builds the adapter; Run must be started separately so
// cmd/profileserver/main.go controls its lifetime against the process
// context.
func NewLocationAdapter(server *Server, endpoint string) *LocationAdapter {
	return &LocationAdapter{
		server:   server,
		endpoint: endpoint,
		logger:   server.Logger.WithField("component", "location"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run connects, registers, subscribes, and processes pushes until ctx is
// cancelled or Stop is called, reconnecting with exponential backoff on any
// failure. Issues DeregisterService only on a clean shutdown, never after a
// connection error.
func (a *LocationAdapter) Run(ctx context.Context) {
	defer close(a.done)
	backoff := locBackoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		default:
		}

		conn, err := a.connectAndSubscribe(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("location service connect failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			}
			backoff *= 2
			if backoff > locBackoffCap {
				backoff = locBackoffCap
			}
			continue
		}
		backoff = locBackoffBase

		clean := a.readLoop(ctx, conn)
		if clean {
			a.deregister(conn)
		}
		_ = conn.Close()
		if clean {
			return
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (a *LocationAdapter) Stop() {
	close(a.stop)
	<-a.done
}

func (a *LocationAdapter) connectAndSubscribe(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: locDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	reg := (&locRegisterServiceMsg{
		PrimaryPort: a.server.OwnPrimaryPort,
		Latitude:    a.server.OwnLocation.Latitude,
		Longitude:   a.server.OwnLocation.Longitude,
	}).Marshal()
	if err := writeLocFrame(conn, locKindRegisterService, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	sub := (&locGetNeighbourNodesByDistanceMsg{KeepAliveAndSendUpdates: true}).Marshal()
	if err := writeLocFrame(conn, locKindGetNeighbourNodesByDistance, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

// readLoop processes NeighbourhoodChanged pushes until the connection fails
// or the adapter is asked to stop. The read deadline is re-armed every
// locPollInterval purely so a blocked read notices ctx cancellation promptly
// rather than blocking for arbitrarily long between server pushes. Returns
// true if it exited because of a clean shutdown request.
func (a *LocationAdapter) readLoop(ctx context.Context, conn net.Conn) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-a.stop:
			return true
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(locPollInterval))
		kind, payload, err := readLocFrame(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			a.logger.WithError(err).Warn("location service connection lost")
			return false
		}
		if kind != locKindNeighbourhoodChanged {
			continue
		}
		var msg locNeighbourhoodChangedMsg
		if err := msg.Unmarshal(payload); err != nil {
			a.logger.WithError(err).Warn("malformed NeighbourhoodChanged push")
			continue
		}
		a.applyChange(msg)
	}
}

// applyChange enqueues replication actions for each added/removed neighbor. A
// RemoveNeighbor for a target whose AddNeighbor is still queued cancels the
// pending add in place rather than running both, so a neighbor announced and
// withdrawn before its initial bulk transfer completes never starts one.
func (a *LocationAdapter) applyChange(msg locNeighbourhoodChangedMsg) {
	now := time.Now()
	for _, n := range msg.Added {
		a.server.Store.UpsertPeer(PeerRecord{
			NetworkID:              n.ServerID,
			Kind:                   PeerNeighbor,
			IPAddress:              n.IPAddress,
			PrimaryPort:            n.PrimaryPort,
			SrNeighborPort:         n.SrNeighborPort,
			Location:               Location{Latitude: n.Latitude, Longitude: n.Longitude},
			LastRefreshTime:        now,
			NeighborhoodExpiration: a.server.NeighborhoodExpiration,
		})
		a.server.Store.EnqueueAction(NeighborhoodAction{
			ServerID:  n.ServerID,
			Type:      ActionAddNeighbor,
			Timestamp: now,
		})
		if a.server.Neighborhood != nil {
			a.server.Neighborhood.Wake(n.ServerID)
		}
	}
	for _, id := range msg.Removed {
		if a.server.Store.CancelPendingAction(id, ActionAddNeighbor, IdentityID{}) {
			continue
		}
		a.server.Store.EnqueueAction(NeighborhoodAction{
			ServerID:  id,
			Type:      ActionRemoveNeighbor,
			Timestamp: now,
		})
		if a.server.Neighborhood != nil {
			a.server.Neighborhood.Wake(id)
		}
	}
}

func (a *LocationAdapter) deregister(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(locDialTimeout))
	_ = writeLocFrame(conn, locKindDeregisterService, nil)
}
