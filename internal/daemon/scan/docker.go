package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// DefaultDockerSocket is where the Docker Engine API listens on Linux hosts.
const DefaultDockerSocket = "/var/run/docker.sock"

// DockerScanner lists containers through the Docker Engine API on a unix socket.
type DockerScanner struct {
	client *http.Client
}

// NewDockerScanner talks to the engine at socketPath.
func NewDockerScanner(socketPath string) *DockerScanner {
	if socketPath == "" {
		socketPath = DefaultDockerSocket
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &DockerScanner{client: &http.Client{Transport: transport, Timeout: 60 * time.Second}}
}

type dockerContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Status string            `json:"Status"`
	Labels map[string]string `json:"Labels"`
	Ports  []struct {
		IP          string `json:"IP"`
		PrivatePort int    `json:"PrivatePort"`
		PublicPort  int    `json:"PublicPort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Scan implements Scanner.
func (s *DockerScanner) Scan(ctx context.Context, dt protocol.DiscoveryType, progress func(int)) (Result, error) {
	// The host part is ignored when dialing the socket.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://docker/containers/json?all=1", nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("docker api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("docker api: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var containers []dockerContainer
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return Result{}, fmt.Errorf("decode containers: %w", err)
	}
	progress(50)

	res := Result{Entities: make([]Entity, 0, len(containers))}
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		entity := Entity{
			Kind: "container",
			ID:   c.ID,
			Name: name,
			Attributes: map[string]string{
				"host_id": dt.HostID,
				"image":   c.Image,
				"state":   c.State,
				"status":  c.Status,
			},
		}
		for network, settings := range c.NetworkSettings.Networks {
			if settings.IPAddress == "" {
				continue
			}
			entity.Attributes["network."+network] = settings.IPAddress
			if entity.Address == "" {
				entity.Address = settings.IPAddress
			}
		}
		var ports []string
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports = append(ports, fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			}
		}
		if len(ports) > 0 {
			entity.Attributes["ports"] = strings.Join(ports, ",")
		}
		if project := c.Labels["com.docker.compose.project"]; project != "" {
			entity.Attributes["compose_project"] = project
		}
		res.Entities = append(res.Entities, entity)
	}
	return res, nil
}
