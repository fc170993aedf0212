package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// Registry registers the agent with Consul and resolves the services it
// depends on.
type Registry struct {
	client *api.Client
	logger *slog.Logger
}

func NewRegistry(address string, logger *slog.Logger) (*Registry, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = address
	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	return &Registry{client: client, logger: logger}, nil
}

func registration(name, host string, port int) *api.AgentServiceRegistration {
	return &api.AgentServiceRegistration{
		ID:      name + "-" + host + "-" + strconv.Itoa(port),
		Name:    name,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(host, strconv.Itoa(port))),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}
}

// Register adds the agent's HTTP health check to the local Consul agent and
// returns a function that removes it again.
func (r *Registry) Register(name, host string, port int) (func() error, error) {
	reg := registration(name, host, port)
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return nil, fmt.Errorf("failed to register with Consul: %w", err)
	}
	r.logger.Info("Registered with Consul", "service_id", reg.ID)
	return func() error {
		if err := r.client.Agent().ServiceDeregister(reg.ID); err != nil {
			return fmt.Errorf("failed to deregister %s: %w", reg.ID, err)
		}
		r.logger.Info("Deregistered from Consul", "service_id", reg.ID)
		return nil
	}, nil
}

// Resolve returns the healthy instances of service as a comma separated
// host:port list, the form Kafka bootstrap settings take.
func (r *Registry) Resolve(service string) (string, error) {
	entries, _, err := r.client.Health().Service(service, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("failed to query Consul for %s: %w", service, err)
	}
	addrs := joinAddresses(entries)
	if addrs == "" {
		return "", errors.New("no healthy instances of " + service)
	}
	r.logger.Info("Resolved service from Consul", "service", service, "addresses", addrs)
	return addrs, nil
}

func joinAddresses(entries []*api.ServiceEntry) string {
	var addrs []string
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	return strings.Join(addrs, ",")
}
