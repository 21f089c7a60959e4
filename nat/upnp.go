package nat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	anacrolixUpnp "github.com/anacrolix/upnp"

	"github.com/dannyzb/dignat/version"
)

// UPnPClient discovers an Internet Gateway Device and manages port mappings on it.
// It wraps github.com/anacrolix/upnp.
type UPnPClient struct {
	logger log.Logger
}

// NewUPnPClient constructs a client; logger may be the zero value.
func NewUPnPClient(logger log.Logger) *UPnPClient {
	return &UPnPClient{logger: logger}
}

// Gateway is a discovered IGD, kept around so Map/ExternalAddress don't need to
// re-run SSDP discovery.
type Gateway struct {
	device anacrolixUpnp.Device
}

// Discover runs SSDP discovery for an Internet Gateway Device. Returns
// ErrNoGateway if no device answers before the discovery timeout.
func (c *UPnPClient) Discover(ctx context.Context) (*Gateway, error) {
	timeout := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	devices := anacrolixUpnp.Discover(0, timeout, c.logger.WithDefaultLevel(log.Debug))
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: ssdp search returned no devices", ErrNoGateway)
	}
	return &Gateway{device: devices[0]}, nil
}

// ExternalAddress queries the gateway's public IP.
func (g *Gateway) ExternalAddress() (net.IP, error) {
	ip, err := g.device.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressQueryFailed, err)
	}
	return ip, nil
}

func upnpProtocol(protocol string) anacrolixUpnp.Protocol {
	if protocol == "udp" {
		return anacrolixUpnp.UDP
	}
	return anacrolixUpnp.TCP
}

// MappingHandle represents a held UPnP port mapping. Dropping it (calling Close)
// issues unmap best-effort and stops the TTL/2 refresh loop.
type MappingHandle struct {
	gateway  *Gateway
	protocol anacrolixUpnp.Protocol
	internal int
	external int
	ttl      time.Duration

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
	logger log.Logger
}

// Map negotiates a port mapping and starts refreshing it at ttlSeconds/2. The
// gateway may assign a different external port than requested; the handle tracks
// whatever the device actually granted.
func (g *Gateway) Map(protocol string, internalPort, externalPort, ttlSeconds int, logger log.Logger) (*MappingHandle, error) {
	ttl := time.Duration(ttlSeconds) * time.Second
	proto := upnpProtocol(protocol)
	granted, err := g.device.AddPortMapping(proto, internalPort, externalPort, version.DefaultUpnpId, ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingRefused, err)
	}
	h := &MappingHandle{
		gateway:  g,
		protocol: proto,
		internal: internalPort,
		external: granted,
		ttl:      ttl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go h.refreshLoop()
	return h, nil
}

// ExternalPort reports the external port the gateway granted.
func (h *MappingHandle) ExternalPort() int {
	return h.external
}

func (h *MappingHandle) refreshLoop() {
	defer close(h.done)
	if h.ttl <= 0 {
		return
	}
	t := time.NewTicker(h.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			if _, err := h.gateway.device.AddPortMapping(h.protocol, h.internal, h.external, version.DefaultUpnpId, h.ttl); err != nil {
				h.logger.Levelf(log.Warning, "upnp mapping refresh failed: %v", err)
			}
		}
	}
}

// Unmap removes the mapping explicitly.
func (h *MappingHandle) Unmap() error {
	return h.gateway.device.DeletePortMapping(h.protocol, h.external)
}

// Close stops the refresh loop and issues Unmap best-effort, swallowing its error:
// dropping the handle always releases the local refresh goroutine even if the
// gateway has since become unreachable.
func (h *MappingHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stop)
	<-h.done
	_ = h.Unmap()
	return nil
}
