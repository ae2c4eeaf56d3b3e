package services

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backapp-server/models"
)

type mockWakeClient struct {
	broadcast string
	mac       net.HardwareAddr
	calls     int
}

func (m *mockWakeClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	m.calls++
	m.broadcast = broadcastIP
	m.mac = mac
	return nil
}

func TestWakeServer(t *testing.T) {
	client := &mockWakeClient{}

	err := WakeServer(client, &models.Server{Name: "nas", WakeOnLANMAC: "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, defaultWakeBroadcast, client.broadcast)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", client.mac.String())
}

func TestWakeServer_NoMACIsNoop(t *testing.T) {
	client := &mockWakeClient{}
	require.NoError(t, WakeServer(client, &models.Server{Name: "web"}))
	assert.Zero(t, client.calls)
}

func TestWakeServer_InvalidMAC(t *testing.T) {
	err := WakeServer(&mockWakeClient{}, &models.Server{WakeOnLANMAC: "not-a-mac"})
	assert.Error(t, err)
}
