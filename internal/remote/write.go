package remote

import (
	"context"
	"fmt"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// WritePoint forwards an entity command to the remote point.
//
// Parameters:
//   - ctx: Bounds the protocol write
//   - uniqueID: Imported entity unique ID
//   - raw: Command payload, parsed with ParseCommand
//
// Returns:
//   - error: ErrPointNotFound, ErrPointNotWritable, ErrPointDisabled,
//     ErrInvalidCommand or the protocol error
func (m *Manager) WritePoint(ctx context.Context, uniqueID, raw string) error {
	m.mu.RLock()
	p, ok := m.byUID[uniqueID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrPointNotFound, uniqueID)
	}
	writable, enabled, obj := p.Writable, p.Enabled, p.Object
	var iam bacnet.IAm
	if c, ok := m.clients[p.ClientInstance]; ok {
		iam = c.iam
	}
	m.mu.RUnlock()

	if !writable {
		return fmt.Errorf("%w: %s", ErrPointNotWritable, uniqueID)
	}
	if !enabled {
		return fmt.Errorf("%w: %s", ErrPointDisabled, uniqueID)
	}

	v, err := ParseCommand(obj.Type, raw)
	if err != nil {
		return err
	}

	var priority uint8
	if obj.Type == bacnet.AnalogOutput || obj.Type == bacnet.BinaryOutput {
		priority = commandPriority
	}

	wctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()
	if err := m.opts.Client.WriteProperty(wctx, iam, obj, v, priority); err != nil {
		m.log().Warn("remote write failed", "point", uniqueID, "error", err)
		return fmt.Errorf("writing %s: %w", uniqueID, err)
	}

	m.log().Info("remote write", "point", uniqueID, "value", v.String(), "priority", priority)
	return nil
}
