package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatHostRange(t *testing.T) {
	type scenario struct {
		hosts    []string
		expected string
	}

	scenarios := []scenario{
		{
			[]string{"node1"},
			"node1",
		},
		{
			[]string{"node1", "node2", "node3", "node4"},
			"node[1-4]",
		},
		{
			[]string{"node1", "node3"},
			"node{1,3}",
		},
		{
			[]string{"node1", "node2", "node3", "node7"},
			"node{1-3,7}",
		},
		{
			[]string{"node2", "node1", "node4", "node3"},
			"node[1-4]",
		},
		{
			[]string{"node1", "node1", "node2"},
			"node[1-2]",
		},
		{
			[]string{"kingspeak1", "kingspeak2", "notchpeak1"},
			"kingspeak[1-2],notchpeak1",
		},
		{
			[]string{"login", "node1", "node2"},
			"node[1-2],login",
		},
		{
			nil,
			"",
		},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, FormatHostRange(s.hosts), "hosts %v", s.hosts)
	}
}
