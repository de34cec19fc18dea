package hub

import (
	"context"
	"fmt"
	"math"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
)

// ServiceCall is a resolved platform service invocation.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// serviceTable lists the services a write needs per domain: the first entry
// carries "on" writes and the second "off" writes. Analog domains need one.
var serviceTable = map[string][]string{
	"light":        {"turn_on", "turn_off"},
	"switch":       {"turn_on", "turn_off"},
	"fan":          {"turn_on", "turn_off"},
	"group":        {"turn_on", "turn_off"},
	"cover":        {"open_cover", "close_cover"},
	"number":       {"set_value"},
	"input_number": {"set_value"},
}

// requiredServices returns the (domain, service) pairs a mapping needs.
func requiredServices(spec MappingSpec) (string, []string) {
	switch spec.WriteAction {
	case WriteClimateHVACMode:
		return "climate", []string{"set_hvac_mode"}
	case WriteClimateSetpoint:
		return "climate", []string{"set_temperature"}
	case WriteDomainDefault:
		domain := homeassistant.Domain(spec.EntityID)
		return domain, serviceTable[domain]
	default:
		return "", nil
	}
}

// CanWrite reports whether the mapping is writable and every service it
// needs is registered.
func CanWrite(spec MappingSpec, services homeassistant.ServiceCaller) bool {
	if !spec.Writable || services == nil {
		return false
	}
	domain, needed := requiredServices(spec)
	if len(needed) == 0 {
		return false
	}
	for _, svc := range needed {
		if !services.HasService(domain, svc) {
			return false
		}
	}
	return true
}

// ResolveWrite turns a written present-value into a service call.
//
// Returns:
//   - ServiceCall: The call to dispatch
//   - error: ErrNotWritable, ErrNoService or ErrValueOutOfRange
func ResolveWrite(m Mapping, v bacnet.Value, services homeassistant.ServiceCaller) (ServiceCall, error) {
	spec := m.Spec
	if !spec.Writable {
		return ServiceCall{}, ErrNotWritable
	}
	if !CanWrite(spec, services) {
		return ServiceCall{}, fmt.Errorf("%w: %s", ErrNoService, spec.EntityID)
	}
	data := map[string]any{"entity_id": spec.EntityID}

	switch spec.WriteAction {
	case WriteClimateHVACMode:
		mode, err := hvacModeFor(spec, v)
		if err != nil {
			return ServiceCall{}, err
		}
		data["hvac_mode"] = mode
		return ServiceCall{Domain: "climate", Service: "set_hvac_mode", Data: data}, nil

	case WriteClimateSetpoint:
		f, ok := realOf(v)
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: %s", ErrValueOutOfRange, v)
		}
		data["temperature"] = f
		return ServiceCall{Domain: "climate", Service: "set_temperature", Data: data}, nil
	}

	domain := homeassistant.Domain(spec.EntityID)
	svcs := serviceTable[domain]
	if len(svcs) == 1 {
		f, ok := realOf(v)
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: %s", ErrValueOutOfRange, v)
		}
		data["value"] = f
		return ServiceCall{Domain: domain, Service: svcs[0], Data: data}, nil
	}

	on, ok := binaryOf(v)
	if !ok {
		return ServiceCall{}, fmt.Errorf("%w: %s", ErrValueOutOfRange, v)
	}
	svc := svcs[1]
	if on {
		svc = svcs[0]
	}
	return ServiceCall{Domain: domain, Service: svc, Data: data}, nil
}

func hvacModeFor(spec MappingSpec, v bacnet.Value) (string, error) {
	if spec.ObjectType == bacnet.MultiStateValue {
		idx, ok := indexOf(v)
		if !ok || idx < 1 || idx > len(spec.StateText) {
			return "", fmt.Errorf("%w: state index %s of %d", ErrValueOutOfRange, v, len(spec.StateText))
		}
		return spec.StateText[idx-1], nil
	}
	on, ok := binaryOf(v)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrValueOutOfRange, v)
	}
	if on {
		if spec.OnMode != "" {
			return spec.OnMode, nil
		}
		return "heat", nil
	}
	if spec.OffMode != "" {
		return spec.OffMode, nil
	}
	return "off", nil
}

func realOf(v bacnet.Value) (float64, bool) {
	switch v.Kind {
	case bacnet.KindReal:
		if math.IsNaN(v.Real) || math.IsInf(v.Real, 0) {
			return 0, false
		}
		return v.Real, true
	case bacnet.KindUnsigned:
		return float64(v.Unsigned), true
	default:
		return 0, false
	}
}

func binaryOf(v bacnet.Value) (bool, bool) {
	switch v.Kind {
	case bacnet.KindBinary:
		return v.Binary, true
	case bacnet.KindUnsigned:
		return v.Unsigned != 0, true
	case bacnet.KindReal:
		return v.Real != 0, true
	default:
		return false, false
	}
}

func indexOf(v bacnet.Value) (int, bool) {
	switch v.Kind {
	case bacnet.KindUnsigned:
		return int(v.Unsigned), true
	case bacnet.KindReal:
		if v.Real != math.Trunc(v.Real) {
			return 0, false
		}
		return int(v.Real), true
	default:
		return 0, false
	}
}

// Writeback accepts or rejects BACnet writes and dispatches service calls.
type Writeback struct {
	table    *Table
	services homeassistant.ServiceCaller
	dispatch func(call ServiceCall)
	logger   func() Logger
}

// Handle decides a write request. A rejected write returns an error wrapping
// the reason; the caller reports it as writeAccessDenied. Present-value is
// never touched here: the confirmed state arrives through mirroring.
func (w *Writeback) Handle(_ context.Context, req bacnet.WriteRequest) error {
	m, ok := w.table.Get(req.Object)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMappingNotFound, req.Object)
	}
	call, err := ResolveWrite(m, req.Value, w.services)
	if err != nil {
		w.logger().Info("write rejected", "object", req.Object.String(), "entity_id", m.Spec.EntityID, "error", err)
		return err
	}
	w.logger().Info("write accepted",
		"object", req.Object.String(),
		"entity_id", m.Spec.EntityID,
		"service", call.Domain+"."+call.Service,
	)
	w.dispatch(call)
	return nil
}
