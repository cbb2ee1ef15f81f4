package core

// maintenance.go – the background maintenance scheduler: four
// independently-ticking jobs draining expired state and keeping this
// server's contact record fresh on an external content-addressable network.

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	expireHostingsPeriod    = 1 * time.Hour
	expireNeighborsPeriod   = 1 * time.Hour
	refreshFollowersPeriod  = 12 * time.Hour
	defaultCANRefreshPeriod = 17 * time.Second

	canDialTimeout = 5 * time.Second
)

// CANClient publishes this server's contact record to the external
// content-addressable-network gateway.
// Exposed as an interface so tests can substitute a fake gateway.
type CANClient interface {
	Publish(ctx context.Context, record ContactRecord) error
}

// ContactRecord is the published form of this server's reachability
// information, re-published periodically so other servers resolving this
// server's identity through the content-addressable network see a current
// address.
type ContactRecord struct {
	ServerID       IdentityID
	PublicKey      []byte
	PrimaryAddress string
	Sequence       uint64
}

func (r ContactRecord) marshal() []byte {
	var out []byte
	out = append(out, r.ServerID[:]...)
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, r.Sequence)
	out = append(out, seq...)
	addr := []byte(r.PrimaryAddress)
	addrLen := make([]byte, 2)
	binary.BigEndian.PutUint16(addrLen, uint16(len(addr)))
	out = append(out, addrLen...)
	out = append(out, addr...)
	keyLen := make([]byte, 2)
	binary.BigEndian.PutUint16(keyLen, uint16(len(r.PublicKey)))
	out = append(out, keyLen...)
	out = append(out, r.PublicKey...)
	return out
}

// canGatewayClient is the real CANClient: one short-lived connection per
// publish, since the gateway contract is a fire-and-forget
// re-publish rather than a subscribed stream like the location service.
type canGatewayClient struct {
	endpoint string
}

// NewCANGatewayClient builds a CANClient dialing endpoint fresh for every
// publish.
func NewCANGatewayClient(endpoint string) CANClient {
	return &canGatewayClient{endpoint: endpoint}
}

func (c *canGatewayClient) Publish(ctx context.Context, record ContactRecord) error {
	dialer := &net.Dialer{Timeout: canDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return fmt.Errorf("can gateway dial: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(canDialTimeout))
	if err := WriteFrame(conn, record.marshal()); err != nil {
		return fmt.Errorf("can gateway publish: %w", err)
	}
	if _, err := ReadFrame(conn); err != nil {
		return fmt.Errorf("can gateway ack: %w", err)
	}
	return nil
}

// Maintenance runs the four periodic jobs, each on its own ticker, one at a
// time from a single loop: a slow job (e.g. a stalled CAN gateway) delays
// the others until it returns.
type Maintenance struct {
	server *Server
	can    CANClient
	logger *logrus.Entry

	canRefreshPeriod time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewMaintenance builds the scheduler. canRefreshPeriod of 0 uses
// defaultCANRefreshPeriod.
func NewMaintenance(server *Server, can CANClient, canRefreshPeriod time.Duration) *Maintenance {
	if canRefreshPeriod <= 0 {
		canRefreshPeriod = defaultCANRefreshPeriod
	}
	return &Maintenance{
		server:           server,
		can:              can,
		logger:           server.Logger.WithField("component", "maintenance"),
		canRefreshPeriod: canRefreshPeriod,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Run starts all four jobs and blocks until ctx is cancelled or Stop is
// called.
func (m *Maintenance) Run(ctx context.Context) {
	defer close(m.done)

	hostings := time.NewTicker(expireHostingsPeriod)
	defer hostings.Stop()
	neighbors := time.NewTicker(expireNeighborsPeriod)
	defer neighbors.Stop()
	canRefresh := time.NewTicker(m.canRefreshPeriod)
	defer canRefresh.Stop()
	followers := time.NewTicker(refreshFollowersPeriod)
	defer followers.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-hostings.C:
			m.expireCancelledHostings()
		case <-neighbors.C:
			m.expireStaleNeighbors()
		case <-canRefresh.C:
			m.refreshExternalRecord(ctx)
		case <-followers.C:
			m.refreshFollowers()
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (m *Maintenance) Stop() {
	close(m.stop)
	<-m.done
}

// expireCancelledHostings deletes rows whose expirationDate has passed
// . Idempotent: a row already removed by a
// concurrent sweep or by its own identity simply isn't found again.
func (m *Maintenance) expireCancelledHostings() {
	removed := m.server.Store.DeleteExpiredHostedIdentities(time.Now())
	if len(removed) > 0 {
		m.logger.WithField("count", len(removed)).Debug("expired cancelled hostings")
	}
}

// expireStaleNeighbors handles neighbors past their refresh window: it purges
// everything mirrored from them and queues StopNeighborhoodUpdates, which the
// neighborhood worker executes as local cleanup that deletes the peer
// record. Nothing is sent to the neighbor.
func (m *Maintenance) expireStaleNeighbors() {
	now := time.Now()
	expired := m.server.Store.ListExpiredNeighbors(now)
	for _, peer := range expired {
		purged := m.server.Store.DeleteNeighborIdentitiesByServer(peer.NetworkID)
		m.server.Store.EnqueueAction(NeighborhoodAction{
			ServerID:  peer.NetworkID,
			Type:      ActionStopNeighborhoodUpdates,
			Timestamp: now,
		})
		if m.server.Neighborhood != nil {
			m.server.Neighborhood.Wake(peer.NetworkID)
		}
		m.logger.WithField("neighbor", HexID(peer.NetworkID)).WithField("purged", purged).Debug("expired stale neighbor")
	}
}

// refreshExternalRecord re-publishes this server's contact record to the
// content-addressable network. The sequence
// number is a monotonically-increasing counter persisted in the settings
// singleton (SettingIPNSSequence) so a restarted server doesn't regress a
// reader's cached record.
func (m *Maintenance) refreshExternalRecord(ctx context.Context) {
	if m.can == nil {
		return
	}
	seq, err := m.server.Store.IncrementSequenceSetting(SettingIPNSSequence)
	if err != nil {
		m.logger.WithError(err).Warn("external record refresh: sequence increment failed")
		return
	}
	addr, _ := m.server.Store.GetSetting(SettingPrimaryAddress)
	record := ContactRecord{
		ServerID:       m.server.Identity.ID,
		PublicKey:      m.server.Identity.PublicKey,
		PrimaryAddress: string(addr),
		Sequence:       seq,
	}
	pctx, cancel := context.WithTimeout(ctx, canDialTimeout)
	defer cancel()
	if err := m.can.Publish(pctx, record); err != nil {
		m.logger.WithError(err).Warn("external record refresh failed")
	}
}

// refreshFollowers enqueues a RefreshProfiles action to every initialized
// follower so drift between what we think we've pushed and what it actually
// holds is bounded.
func (m *Maintenance) refreshFollowers() {
	now := time.Now()
	for _, peer := range m.server.Store.ListPeers(PeerFollower) {
		if !peer.Initialized {
			continue
		}
		m.server.Store.EnqueueAction(NeighborhoodAction{
			ServerID:  peer.NetworkID,
			Type:      ActionRefreshProfiles,
			Timestamp: now,
		})
		if m.server.Neighborhood != nil {
			m.server.Neighborhood.Wake(peer.NetworkID)
		}
	}
}
