package override

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	table, err := New(map[string]string{
		"test.local":       "127.0.0.1",
		"Printer.LAN.":     "192.168.1.50",
		"api.service.test": "10.0.0.7",
		"service.test":     "10.0.0.1",
	})
	require.NoError(t, err)

	tests := []struct {
		domain string
		want   string
	}{
		{"test.local", "127.0.0.1"},
		{"sub.test.local", "127.0.0.1"},
		{"a.b.test.local", "127.0.0.1"},
		{"printer.lan", "192.168.1.50"},
		{"api.service.test", "10.0.0.7"},
		{"x.api.service.test", "10.0.0.7"},
		{"web.service.test", "10.0.0.1"},
		{"local", ""},
		{"other.local", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			ip, ok := table.Resolve(tt.domain)
			if tt.want == "" {
				assert.False(t, ok)
				assert.Nil(t, ip)
				return
			}
			require.True(t, ok)
			assert.True(t, ip.Equal(net.ParseIP(tt.want)), "got %s", ip)
		})
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	_, err := New(map[string]string{"test.local": "localhost"})
	assert.Error(t, err)

	_, err = New(map[string]string{"test.local": "::1"})
	assert.Error(t, err)

	_, err = New(map[string]string{"  ": "127.0.0.1"})
	assert.Error(t, err)
}

func TestReplaceKeepsPreviousOnError(t *testing.T) {
	table, err := New(map[string]string{"test.local": "127.0.0.1"})
	require.NoError(t, err)

	require.Error(t, table.Replace(map[string]string{"bad.local": "nope"}))
	ip, ok := table.Resolve("test.local")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip.String())

	require.NoError(t, table.Replace(map[string]string{"new.local": "10.1.1.1"}))
	_, ok = table.Resolve("test.local")
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestEntries(t *testing.T) {
	table, err := New(map[string]string{"b.local": "10.0.0.2", "a.local": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Domain: "a.local", IP: "10.0.0.1"},
		{Domain: "b.local", IP: "10.0.0.2"},
	}, table.Entries())

	empty, err := New(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries())
	_, ok := empty.Resolve("anything.local")
	assert.False(t, ok)
}
