package scan

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// HostInterface is one network interface as seen by the daemon.
type HostInterface struct {
	Name  string
	MAC   string
	Flags net.Flags
	Addrs []*net.IPNet
}

// InterfaceLister enumerates host interfaces.
type InterfaceLister func() ([]HostInterface, error)

// virtualPrefixes are container and overlay interfaces left out of discovery.
var virtualPrefixes = []string{"veth", "docker", "br-", "cni", "flannel"}

// SystemInterfaces lists the host's interfaces via net.Interfaces.
func SystemInterfaces() ([]HostInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]HostInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		hi := HostInterface{Name: iface.Name, MAC: iface.HardwareAddr.String(), Flags: iface.Flags}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				hi.Addrs = append(hi.Addrs, ipnet)
			}
		}
		out = append(out, hi)
	}
	return out, nil
}

// usable reports whether an interface is up, not loopback and not virtual.
func (hi HostInterface) usable() bool {
	if hi.Flags&net.FlagLoopback != 0 || hi.Flags&net.FlagUp == 0 {
		return false
	}
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(hi.Name, prefix) {
			return false
		}
	}
	return true
}

// LocalSubnets returns the IPv4 networks the host has an address on.
func LocalSubnets(list InterfaceLister) ([]string, error) {
	ifaces, err := list()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var subnets []string
	for _, iface := range ifaces {
		if !iface.usable() {
			continue
		}
		for _, ipnet := range iface.Addrs {
			if ipnet.IP.To4() == nil {
				continue
			}
			network := &net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}
			cidr := network.String()
			if !seen[cidr] {
				seen[cidr] = true
				subnets = append(subnets, cidr)
			}
		}
	}
	return subnets, nil
}

// SelfReportScanner reports the daemon's own host and interfaces.
type SelfReportScanner struct {
	Interfaces InterfaceLister
	Hostname   func() (string, error)
}

// NewSelfReportScanner uses the live host.
func NewSelfReportScanner() *SelfReportScanner {
	return &SelfReportScanner{Interfaces: SystemInterfaces, Hostname: os.Hostname}
}

// Scan implements Scanner.
func (s *SelfReportScanner) Scan(ctx context.Context, dt protocol.DiscoveryType, progress func(int)) (Result, error) {
	hostname, err := s.Hostname()
	if err != nil {
		return Result{}, fmt.Errorf("hostname: %w", err)
	}
	ifaces, err := s.Interfaces()
	if err != nil {
		return Result{}, err
	}
	progress(50)

	host := Entity{
		Kind: "host",
		ID:   dt.HostID,
		Name: hostname,
		Attributes: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	}
	res := Result{Entities: []Entity{host}}

	for _, iface := range ifaces {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !iface.usable() {
			continue
		}
		for _, ipnet := range iface.Addrs {
			res.Entities = append(res.Entities, Entity{
				Kind:    "interface",
				ID:      dt.HostID + "/" + iface.Name + "/" + ipnet.IP.String(),
				Name:    iface.Name,
				Address: ipnet.IP.String(),
				Attributes: map[string]string{
					"cidr": ipnet.String(),
					"mac":  iface.MAC,
				},
			})
		}
	}
	return res, nil
}
