package models

import (
	"time"
)

// Server 远程主机（通过 SSH/SFTP 访问）
type Server struct {
	ID         uint   `json:"id" gorm:"primarykey"`
	Name       string `json:"name" gorm:"not null"`
	Host       string `json:"host" gorm:"not null"`
	Port       int    `json:"port" gorm:"default:22"`
	Username   string `json:"username" gorm:"not null"`
	AuthType   string `json:"auth_type" gorm:"default:password"` // password, key
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" gorm:"type:text"`

	// Wake-on-LAN，连接前唤醒主机
	WakeOnLANMAC       string `json:"wol_mac,omitempty"`
	WakeOnLANBroadcast string `json:"wol_broadcast,omitempty"`

	ProxyConfig *ProxyConfig `json:"proxy_config,omitempty" gorm:"serializer:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProxyConfig 连接代理配置
type ProxyConfig struct {
	Enabled   bool   `json:"enabled"`
	ProxyType string `json:"proxy_type"` // "socks5", "ssh"
	ProxyHost string `json:"proxy_host"`
	ProxyPort int    `json:"proxy_port"`
	ProxyUser string `json:"proxy_user,omitempty"`
	ProxyPass string `json:"proxy_pass,omitempty"`
	// SSH跳板机配置
	JumpHost     string `json:"jump_host,omitempty"`
	JumpPort     int    `json:"jump_port,omitempty"`
	JumpUser     string `json:"jump_user,omitempty"`
	JumpPassword string `json:"jump_password,omitempty"`
}

// Sanitized 返回去掉凭据的副本
func (s Server) Sanitized() Server {
	s.Password = ""
	s.PrivateKey = ""
	if s.ProxyConfig != nil {
		proxy := *s.ProxyConfig
		proxy.ProxyPass = ""
		proxy.JumpPassword = ""
		s.ProxyConfig = &proxy
	}
	return s
}

// ConnectionTestResult 连接测试结果
type ConnectionTestResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Output   string `json:"output,omitempty"`
	Duration int64  `json:"duration_ms"`
}
