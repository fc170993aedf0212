package discovery

import (
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
)

func TestRegistration(t *testing.T) {
	reg := registration("autofix-agent", "10.0.0.5", 8090)
	assert.Equal(t, "autofix-agent-10.0.0.5-8090", reg.ID)
	assert.Equal(t, 8090, reg.Port)
	assert.Equal(t, "http://10.0.0.5:8090/health", reg.Check.HTTP)
	assert.Equal(t, "30s", reg.Check.DeregisterCriticalServiceAfter)
}

func TestJoinAddresses(t *testing.T) {
	entries := []*api.ServiceEntry{
		{Service: &api.AgentService{Address: "kafka-0", Port: 9092}},
		{Node: &api.Node{Address: "10.0.0.7"}, Service: &api.AgentService{Port: 9093}},
		{Service: &api.AgentService{Port: 9094}},
		{Node: &api.Node{Address: "10.0.0.8"}},
	}
	assert.Equal(t, "kafka-0:9092,10.0.0.7:9093", joinAddresses(entries))
	assert.Empty(t, joinAddresses(nil))
}
