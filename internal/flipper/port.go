package flipper

import (
	"fmt"
	"log/slog"
	"strings"

	"go.bug.st/serial/enumerator"
)

const (
	// AutoPort asks the resolver to discover the device
	AutoPort = "auto"

	// USB identifiers of the device's CDC serial interface
	VendorID  = "0483"
	ProductID = "5740"
)

// PortLister enumerates serial ports; enumerator.GetDetailedPortsList in production
type PortLister func() ([]*enumerator.PortDetails, error)

// PortResolver turns a port identifier into a concrete serial port name
type PortResolver struct {
	list   PortLister
	logger *slog.Logger
}

// NewPortResolver creates a resolver backed by the system port enumerator
func NewPortResolver(logger *slog.Logger) *PortResolver {
	return &PortResolver{list: enumerator.GetDetailedPortsList, logger: logger}
}

// NewPortResolverWithLister creates a resolver with a custom enumerator
func NewPortResolverWithLister(list PortLister, logger *slog.Logger) *PortResolver {
	return &PortResolver{list: list, logger: logger}
}

// ResolvePort returns identifier unchanged unless it is "auto", in which case
// exactly one attached device must be found. An empty result means no single
// device could be selected; the reason has already been logged.
func (r *PortResolver) ResolvePort(identifier string) (string, error) {
	if identifier != AutoPort {
		return identifier, nil
	}

	ports, err := r.list()
	if err != nil {
		return "", fmt.Errorf("enumerating serial ports: %w", err)
	}

	var found []string
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.VID, VendorID) && strings.EqualFold(p.PID, ProductID) {
			found = append(found, p.Name)
		}
	}

	switch len(found) {
	case 0:
		r.logger.Error("failed to find connected device")
		return "", nil
	case 1:
		r.logger.Info("found device", "port", found[0])
		return found[0], nil
	default:
		r.logger.Error("more than one device is attached, specify --port", "ports", found)
		return "", nil
	}
}
