package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// covRequestLocked builds the subscription request for p. Caller holds m.mu.
func (m *Manager) covRequestLocked(p *Point) (bacnet.COVRequest, bool) {
	c, ok := m.clients[p.ClientInstance]
	if !ok {
		return bacnet.COVRequest{}, false
	}
	return bacnet.COVRequest{
		Device:    c.iam,
		Object:    p.Object,
		ProcessID: p.ProcessID,
		Lifetime:  m.opts.Lease,
	}, true
}

// subscribe creates, renews or re-creates the COV subscription of p.
// Success restores availability and resets the backoff; failure moves the
// point to Lost.
func (m *Manager) subscribe(ctx context.Context, p *Point) {
	m.mu.Lock()
	req, ok := m.covRequestLocked(p)
	if !ok {
		m.mu.Unlock()
		return
	}
	renewal := p.State == StateSubscribed
	switch p.State {
	case StateLost:
		p.State = StateResubscribing
	case StateUnsubscribed:
		p.State = StateSubscribing
	}
	view := p.view()
	m.mu.Unlock()

	if !renewal {
		m.emit(view)
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	err := m.opts.Client.SubscribeCOV(sctx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.markLost(ctx, p, err.Error())
		return
	}

	m.mu.Lock()
	wasAvailable := p.Available
	p.State = StateSubscribed
	p.Available = true
	p.leaseExpires = m.opts.Now().Add(m.opts.Lease)
	p.backoff.Reset()
	view = p.view()
	m.mu.Unlock()

	if !wasAvailable {
		m.publishAvailability(ctx, p.UniqueID, true)
	}
	if renewal {
		m.log().Debug("cov subscription renewed", "point", p.UniqueID)
		return
	}
	m.log().Info("cov subscribed", "point", p.UniqueID, "process_id", p.ProcessID)
	m.emit(view)
}

// markLost moves p to Lost, marks it unavailable and schedules the next
// resubscription attempt on its backoff.
func (m *Manager) markLost(ctx context.Context, p *Point, reason string) {
	m.mu.Lock()
	if p.State == StateLost {
		m.mu.Unlock()
		return
	}
	wasAvailable := p.Available
	p.State = StateLost
	p.Available = false
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = m.opts.ResubscribeMax
	}
	p.nextAttempt = m.opts.Now().Add(delay)
	view := p.view()
	m.mu.Unlock()

	if wasAvailable {
		m.publishAvailability(ctx, p.UniqueID, false)
	}
	m.log().Warn("cov subscription lost", "point", p.UniqueID, "reason", reason, "retry_in", delay.String())
	m.emit(view)
}

// loseClient marks every point of a client Lost.
func (m *Manager) loseClient(instance uint32, reason string) {
	m.mu.RLock()
	c, ok := m.clients[instance]
	var pts []*Point
	if ok {
		for _, p := range c.points {
			pts = append(pts, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range pts {
		m.markLost(m.ctx, p, reason)
	}
}

// maintain renews expiring leases, retries lost points whose backoff has
// elapsed and probes client liveness.
func (m *Manager) maintain(ctx context.Context) {
	now := m.opts.Now()

	var due []*Point
	m.mu.RLock()
	for _, p := range m.byUID {
		switch p.State {
		case StateSubscribed:
			if !now.Before(p.leaseExpires) {
				due = append(due, p)
			}
		case StateLost:
			if !now.Before(p.nextAttempt) {
				due = append(due, p)
			}
		case StateUnsubscribed:
			due = append(due, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		m.subscribe(ctx, p)
	}

	if m.probeClients(ctx, now) && m.opts.OnLiveness != nil {
		m.opts.OnLiveness()
	}
	m.reportMetrics()
}

// probeClients reads the device name of every client with subscribed points
// once per probe interval. A client that does not answer loses its points.
//
// Returns:
//   - bool: true if any client failed its probe
func (m *Manager) probeClients(ctx context.Context, now time.Time) bool {
	var targets []bacnet.IAm
	m.mu.Lock()
	for inst, c := range m.clients {
		if now.Sub(m.lastProbe[inst]) < m.opts.ProbeInterval || !hasSubscribed(c) {
			continue
		}
		m.lastProbe[inst] = now
		targets = append(targets, c.iam)
	}
	m.mu.Unlock()

	failed := false
	for _, iam := range targets {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
		_, err := m.opts.Client.ReadProperty(pctx, iam, bacnet.ObjectID{Type: bacnet.Device, Instance: iam.Instance}, bacnet.PropertyObjectName)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}
		m.log().Warn("liveness probe failed", "client_id", naming.ClientID(iam.Instance), "error", err)
		m.loseClient(iam.Instance, "liveness probe failed")
		failed = true
	}
	return failed
}

func hasSubscribed(c *Client) bool {
	for _, p := range c.points {
		if p.State == StateSubscribed {
			return true
		}
	}
	return false
}

// handleCOV applies a notification to its point. Notifications for unknown
// points or stale process IDs are ignored.
func (m *Manager) handleCOV(n bacnet.COVNotification) {
	m.mu.Lock()
	c, ok := m.clients[n.DeviceInstance]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := c.points[n.Object]
	if !ok || p.ProcessID != n.ProcessID {
		m.mu.Unlock()
		return
	}
	p.Value = n.Value
	p.LastUpdate = m.opts.Now()
	view := p.view()
	clientID := c.ID
	m.mu.Unlock()

	if m.opts.Sink != nil {
		if err := m.opts.Sink.PublishPointValue(m.ctx, view); err != nil {
			m.log().Debug("imported value publish failed", "point", view.UniqueID, "error", err)
		}
	}
	if m.opts.History != nil {
		if f, ok := numeric(n.Value); ok {
			m.opts.History.WritePoint(historyMeasurement, map[string]string{
				"hub":    m.opts.EntryID,
				"object": n.Object.String(),
				"source": clientID,
			}, map[string]any{"value": f})
		}
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveCOV(m.opts.EntryID)
	}
}

// numeric converts a value to a float field for history.
func numeric(v bacnet.Value) (float64, bool) {
	switch v.Kind {
	case bacnet.KindReal:
		return v.Real, true
	case bacnet.KindUnsigned:
		return float64(v.Unsigned), true
	case bacnet.KindBinary:
		if v.Binary {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (m *Manager) publishAvailability(ctx context.Context, uniqueID string, available bool) {
	if m.opts.Sink == nil {
		return
	}
	if err := m.opts.Sink.PublishAvailability(ctx, uniqueID, available); err != nil {
		m.log().Debug("availability publish failed", "point", uniqueID, "error", err)
	}
}

func (m *Manager) emit(v PointView) {
	if m.opts.OnSubscription != nil {
		m.opts.OnSubscription(v)
	}
}
