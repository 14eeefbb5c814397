package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	nmap "github.com/Ullaakut/nmap/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// SweepFunc discovers live hosts in one subnet.
type SweepFunc func(ctx context.Context, subnet string) ([]Entity, error)

// NetworkScanner ping-sweeps each subnet in scope.
type NetworkScanner struct {
	Sweep      SweepFunc
	Interfaces InterfaceLister
	Logger     *zap.Logger
}

// NewNetworkScanner sweeps with nmap against the live host's subnets.
func NewNetworkScanner(logger *zap.Logger) *NetworkScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkScanner{Sweep: NmapSweep(logger), Interfaces: SystemInterfaces, Logger: logger}
}

// Scan implements Scanner. An empty subnet list means every subnet the host
// has an interface on. A subnet that fails is logged and skipped; the scan
// fails only when every subnet does.
func (s *NetworkScanner) Scan(ctx context.Context, dt protocol.DiscoveryType, progress func(int)) (Result, error) {
	subnets := dt.Subnets
	if len(subnets) == 0 {
		local, err := LocalSubnets(s.Interfaces)
		if err != nil {
			return Result{}, err
		}
		subnets = local
	}
	if len(subnets) == 0 {
		return Result{}, errors.New("no subnets to scan")
	}

	var res Result
	var errs []error
	for i, subnet := range subnets {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		hosts, err := s.Sweep(ctx, strings.TrimSpace(subnet))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			s.Logger.Warn("subnet sweep failed", zap.String("subnet", subnet), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", subnet, err))
		} else {
			res.Entities = append(res.Entities, hosts...)
		}
		progress((i + 1) * 100 / len(subnets))
	}

	if len(errs) == len(subnets) {
		return Result{}, errors.Join(errs...)
	}
	return res, nil
}

// NmapSweep runs an nmap ping scan (-sn) and returns hosts that are up.
func NmapSweep(logger *zap.Logger) SweepFunc {
	return func(ctx context.Context, subnet string) ([]Entity, error) {
		scanner, err := nmap.NewScanner(ctx,
			nmap.WithTargets(subnet),
			nmap.WithPingScan(),
		)
		if err != nil {
			return nil, fmt.Errorf("create scanner: %w", err)
		}

		result, warnings, err := scanner.Run()
		if err != nil {
			return nil, fmt.Errorf("nmap: %w", err)
		}
		if warnings != nil && len(*warnings) > 0 {
			logger.Debug("nmap warnings", zap.String("subnet", subnet), zap.Strings("warnings", *warnings))
		}
		return hostsFromRun(result), nil
	}
}

func hostsFromRun(result *nmap.Run) []Entity {
	if result == nil {
		return nil
	}
	var hosts []Entity
	for _, host := range result.Hosts {
		if host.Status.State != "up" || len(host.Addresses) == 0 {
			continue
		}

		ip := host.Addresses[0].Addr
		for _, addr := range host.Addresses {
			if addr.AddrType == "ipv4" {
				ip = addr.Addr
				break
			}
		}

		entity := Entity{Kind: "host", ID: ip, Name: ip, Address: ip, Attributes: map[string]string{}}
		if len(host.Hostnames) > 0 {
			entity.Name = host.Hostnames[0].Name
		}
		for _, addr := range host.Addresses {
			if addr.AddrType == "mac" {
				entity.Attributes["mac"] = strings.ToUpper(addr.Addr)
				if addr.Vendor != "" {
					entity.Attributes["vendor"] = addr.Vendor
				}
			}
		}
		hosts = append(hosts, entity)
	}
	return hosts
}
