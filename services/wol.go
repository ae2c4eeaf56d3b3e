package services

import (
	"fmt"
	"net"

	"github.com/mdlayher/wol"
	"github.com/rs/zerolog/log"

	"backapp-server/models"
)

const defaultWakeBroadcast = "255.255.255.255"

// WakeClient 发送唤醒包，便于测试替换
type WakeClient interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// DefaultWakeClient 基于 mdlayher/wol 的实现
type DefaultWakeClient struct{}

// Wake 向广播地址的 9 端口发送魔术包
func (c *DefaultWakeClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// WakeServer 为配置了 MAC 地址的服务器发送唤醒包
func WakeServer(client WakeClient, server *models.Server) error {
	if server.WakeOnLANMAC == "" {
		return nil
	}

	mac, err := net.ParseMAC(server.WakeOnLANMAC)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", server.WakeOnLANMAC, err)
	}

	broadcast := server.WakeOnLANBroadcast
	if broadcast == "" {
		broadcast = defaultWakeBroadcast
	}

	log.Info().Str("mac", server.WakeOnLANMAC).Str("broadcast", broadcast).Msgf("⏰ 唤醒服务器 %s", server.Name)
	return client.Wake(broadcast, mac)
}
