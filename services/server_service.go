package services

import (
	"context"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"backapp-server/models"
)

// ServerService 管理远程服务器
type ServerService struct {
	db     *gorm.DB
	dialer RemoteDialer
}

// NewServerService 创建服务器服务
func NewServerService(db *gorm.DB, dialer RemoteDialer) *ServerService {
	return &ServerService{db: db, dialer: dialer}
}

// List 返回去掉凭据的服务器列表
func (s *ServerService) List(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	for i := range servers {
		servers[i] = servers[i].Sanitized()
	}
	return servers, nil
}

// Get 返回去掉凭据的服务器
func (s *ServerService) Get(ctx context.Context, id uint) (*models.Server, error) {
	var server models.Server
	if err := s.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, err
	}
	sanitized := server.Sanitized()
	return &sanitized, nil
}

// Create 添加服务器
func (s *ServerService) Create(ctx context.Context, in models.Server) (*models.Server, error) {
	in.ID = 0
	if err := validateServer(&in); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&in).Error; err != nil {
		return nil, err
	}
	sanitized := in.Sanitized()
	return &sanitized, nil
}

// Update 更新服务器，未提供的密码和私钥保持不变
func (s *ServerService) Update(ctx context.Context, id uint, in models.Server) (*models.Server, error) {
	var existing models.Server
	if err := s.db.WithContext(ctx).First(&existing, id).Error; err != nil {
		return nil, err
	}

	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	if in.AuthType == "" {
		in.AuthType = existing.AuthType
	}
	if in.Password == "" && in.AuthType == existing.AuthType {
		in.Password = existing.Password
	}
	if in.PrivateKey == "" && in.AuthType == existing.AuthType {
		in.PrivateKey = existing.PrivateKey
	}
	if in.ProxyConfig != nil && existing.ProxyConfig != nil {
		if in.ProxyConfig.ProxyPass == "" {
			in.ProxyConfig.ProxyPass = existing.ProxyConfig.ProxyPass
		}
		if in.ProxyConfig.JumpPassword == "" {
			in.ProxyConfig.JumpPassword = existing.ProxyConfig.JumpPassword
		}
	}
	if err := validateServer(&in); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(&in).Error; err != nil {
		return nil, err
	}
	sanitized := in.Sanitized()
	return &sanitized, nil
}

// TestConnection 测试已保存服务器的连通性
func (s *ServerService) TestConnection(ctx context.Context, id uint) (*models.ConnectionTestResult, error) {
	var server models.Server
	if err := s.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, err
	}
	return TestConnection(ctx, s.dialer, &server), nil
}

func validateServer(sv *models.Server) error {
	sv.Name = strings.TrimSpace(sv.Name)
	sv.Host = strings.TrimSpace(sv.Host)
	sv.Username = strings.TrimSpace(sv.Username)

	if sv.Name == "" || sv.Host == "" || sv.Username == "" {
		return invalidf("name、host 和 username 不能为空")
	}
	if sv.Port == 0 {
		sv.Port = 22
	}
	if sv.Port < 1 || sv.Port > 65535 {
		return invalidf("端口无效: %d", sv.Port)
	}

	switch sv.AuthType {
	case "", "password":
		sv.AuthType = "password"
		if sv.Password == "" {
			return invalidf("密码认证需要提供 password")
		}
	case "key":
		if sv.PrivateKey == "" {
			return invalidf("密钥认证需要提供 private_key")
		}
		if _, err := ssh.ParsePrivateKey([]byte(sv.PrivateKey)); err != nil {
			return invalidf("私钥无法解析: %v", err)
		}
	default:
		return invalidf("不支持的认证方式: %s", sv.AuthType)
	}

	if sv.WakeOnLANMAC != "" {
		if _, err := net.ParseMAC(sv.WakeOnLANMAC); err != nil {
			return invalidf("无效的 MAC 地址: %s", sv.WakeOnLANMAC)
		}
	}
	if sv.WakeOnLANBroadcast != "" && net.ParseIP(sv.WakeOnLANBroadcast) == nil {
		return invalidf("无效的广播地址: %s", sv.WakeOnLANBroadcast)
	}

	if p := sv.ProxyConfig; p != nil && p.Enabled {
		switch p.ProxyType {
		case "socks5":
			if p.ProxyHost == "" || p.ProxyPort == 0 {
				return invalidf("SOCKS5 代理需要 proxy_host 和 proxy_port")
			}
		case "ssh":
			if p.JumpHost == "" || p.JumpUser == "" {
				return invalidf("跳板机需要 jump_host 和 jump_user")
			}
			if p.JumpPort == 0 {
				p.JumpPort = 22
			}
		default:
			return invalidf("不支持的代理类型: %s", p.ProxyType)
		}
	}
	return nil
}
