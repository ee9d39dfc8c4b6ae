package netutil

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestIsLocalHost(t *testing.T) {
	tests := map[string]bool{
		"localhost":           true,
		"127.0.0.1":           true,
		"::1":                 true,
		"192.168.1.20":        true,
		"10.1.2.3":            true,
		"169.254.10.1":        true,
		"homeassistant.local": true,
		"router.lan":          true,
		"api.example.com":     false,
		"8.8.8.8":             false,
	}
	for host, want := range tests {
		assert.Equal(t, want, IsLocalHost(host), host)
	}
}

func TestNewHTTPClient(t *testing.T) {
	c := NewHTTPClient(3*time.Second, false, logrus.New())
	assert.Equal(t, 3*time.Second, c.Timeout)
	assert.NotNil(t, c.Transport)
}
