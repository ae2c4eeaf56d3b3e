package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"backapp-server/models"
)

// CommandResult 远程命令执行结果
type CommandResult struct {
	ExitCode int
	Output   string
}

// RemoteSession 一次备份执行内持有的远程连接
type RemoteSession interface {
	// Run 在 workDir 中执行命令；非零退出码通过 ExitCode 返回，err 只表示传输层错误
	Run(ctx context.Context, command, workDir string) (CommandResult, error)
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// RemoteDialer 建立远程连接
type RemoteDialer interface {
	Dial(ctx context.Context, server *models.Server) (RemoteSession, error)
}

// SSHDialer 基于 SSH + SFTP 的默认实现
type SSHDialer struct {
	ConnectTimeout time.Duration
	Waker          WakeClient
	// WakeWait 发送唤醒包后等待主机上线的最长时间
	WakeWait time.Duration
}

// NewSSHDialer 创建 SSH 拨号器
func NewSSHDialer(connectTimeout time.Duration) *SSHDialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHDialer{
		ConnectTimeout: connectTimeout,
		Waker:          &DefaultWakeClient{},
		WakeWait:       2 * time.Minute,
	}
}

// Dial 连接服务器，失败时返回 *ConnectionError
func (d *SSHDialer) Dial(ctx context.Context, server *models.Server) (RemoteSession, error) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))

	if server.WakeOnLANMAC != "" {
		client, err := d.dialAfterWake(ctx, server)
		if err != nil {
			return nil, &ConnectionError{Host: addr, Err: err}
		}
		return client, nil
	}

	client, err := d.dialOnce(ctx, server)
	if err != nil {
		return nil, &ConnectionError{Host: addr, Err: err}
	}
	return client, nil
}

// dialAfterWake 发送唤醒包后反复尝试连接，直到主机上线或超时
func (d *SSHDialer) dialAfterWake(ctx context.Context, server *models.Server) (*SSHClient, error) {
	if err := WakeServer(d.Waker, server); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.WakeWait)
	defer cancel()

	for attempt := 1; ; attempt++ {
		client, err := d.dialOnce(ctx, server)
		if err == nil {
			return client, nil
		}
		log.Debug().Err(err).Int("attempt", attempt).Str("host", server.Host).Msg("等待主机唤醒")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("唤醒后主机仍不可达: %w", err)
		case <-time.After(5 * time.Second):
		}
	}
}

func (d *SSHDialer) dialOnce(ctx context.Context, server *models.Server) (*SSHClient, error) {
	config, err := buildClientConfig(server, d.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		client *SSHClient
		err    error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		client, err := NewSSHClient(server, config)
		resultChan <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// 连接最终建立时释放，避免泄漏
		go func() {
			if res := <-resultChan; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, fmt.Errorf("连接超时: %w", ctx.Err())
	case res := <-resultChan:
		return res.client, res.err
	}
}

func buildClientConfig(server *models.Server, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if server.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(server.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if server.Password != "" {
		auth = append(auth, ssh.Password(server.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method provided")
	}

	return &ssh.ClientConfig{
		User:            server.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// SSHClient SSH 连接及其上的 SFTP 会话
type SSHClient struct {
	client     *ssh.Client
	jumpClient *ssh.Client
	sftp       *sftp.Client
}

// NewSSHClient 建立连接（按需经过代理）并打开 SFTP 子系统
func NewSSHClient(server *models.Server, config *ssh.ClientConfig) (*SSHClient, error) {
	var (
		c   *SSHClient
		err error
	)
	if server.ProxyConfig != nil && server.ProxyConfig.Enabled {
		c, err = newSSHClientWithProxy(server, config)
	} else {
		var client *ssh.Client
		client, err = ssh.Dial("tcp", net.JoinHostPort(server.Host, strconv.Itoa(server.Port)), config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		c = &SSHClient{client: client}
	}
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("打开SFTP会话失败: %w", err)
	}
	c.sftp = sftpClient
	return c, nil
}

func newSSHClientWithProxy(server *models.Server, config *ssh.ClientConfig) (*SSHClient, error) {
	proxyConfig := server.ProxyConfig

	switch proxyConfig.ProxyType {
	case "socks5":
		return newSSHClientWithSOCKS5(server, config, proxyConfig)
	case "ssh":
		return newSSHClientWithJumpHost(server, config, proxyConfig)
	default:
		return nil, fmt.Errorf("不支持的代理类型: %s", proxyConfig.ProxyType)
	}
}

// SOCKS5代理连接
func newSSHClientWithSOCKS5(server *models.Server, config *ssh.ClientConfig, proxyConfig *models.ProxyConfig) (*SSHClient, error) {
	proxyAddr := net.JoinHostPort(proxyConfig.ProxyHost, strconv.Itoa(proxyConfig.ProxyPort))

	var auth *proxy.Auth
	if proxyConfig.ProxyUser != "" {
		auth = &proxy.Auth{
			User:     proxyConfig.ProxyUser,
			Password: proxyConfig.ProxyPass,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: config.Timeout})
	if err != nil {
		return nil, fmt.Errorf("创建SOCKS5代理失败: %w", err)
	}

	targetAddr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("通过SOCKS5代理连接失败: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH握手失败: %w", err)
	}

	return &SSHClient{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// SSH跳板机连接
func newSSHClientWithJumpHost(server *models.Server, config *ssh.ClientConfig, proxyConfig *models.ProxyConfig) (*SSHClient, error) {
	jumpConfig := &ssh.ClientConfig{
		User: proxyConfig.JumpUser,
		Auth: []ssh.AuthMethod{
			ssh.Password(proxyConfig.JumpPassword),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.Timeout,
	}

	jumpAddr := net.JoinHostPort(proxyConfig.JumpHost, strconv.Itoa(proxyConfig.JumpPort))
	jumpClient, err := ssh.Dial("tcp", jumpAddr, jumpConfig)
	if err != nil {
		return nil, fmt.Errorf("连接跳板机失败: %w", err)
	}

	targetAddr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
	conn, err := jumpClient.Dial("tcp", targetAddr)
	if err != nil {
		jumpClient.Close()
		return nil, fmt.Errorf("通过跳板机连接目标主机失败: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, config)
	if err != nil {
		conn.Close()
		jumpClient.Close()
		return nil, fmt.Errorf("SSH握手失败: %w", err)
	}

	return &SSHClient{
		client:     ssh.NewClient(sshConn, chans, reqs),
		jumpClient: jumpClient, // 保存跳板机连接，用于后续关闭
	}, nil
}

func (c *SSHClient) Close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.jumpClient != nil {
		errs = append(errs, c.jumpClient.Close())
	}
	return errors.Join(errs...)
}

// Run 执行远程命令，ctx 取消时向远端发送 SIGTERM
func (c *SSHClient) Run(ctx context.Context, command, workDir string) (CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return CommandResult{}, err
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	if workDir == "" {
		workDir = "/"
	}
	script := fmt.Sprintf("cd %s && %s", shellQuote(workDir), command)

	resultChan := make(chan error, 1)
	go func() {
		resultChan <- session.Run(script)
	}()
	return awaitCommand(ctx, session, resultChan, &output)
}

// commandSession 等待命令结束时需要的会话操作
type commandSession interface {
	Signal(sig ssh.Signal) error
	Close() error
}

// awaitCommand 等待命令结束；ctx 取消时关闭会话并等会话退出后才读取输出
func awaitCommand(ctx context.Context, session commandSession, resultChan <-chan error, output *bytes.Buffer) (CommandResult, error) {
	select {
	case err := <-resultChan:
		result := CommandResult{Output: output.String()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, err
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		<-resultChan
		return CommandResult{Output: output.String(), ExitCode: -1}, fmt.Errorf("命令执行超时或被取消: %w", ctx.Err())
	}
}

func (c *SSHClient) Stat(path string) (fs.FileInfo, error) {
	return c.sftp.Stat(path)
}

func (c *SSHClient) ReadDir(path string) ([]fs.FileInfo, error) {
	return c.sftp.ReadDir(path)
}

func (c *SSHClient) Open(path string) (io.ReadCloser, error) {
	return c.sftp.Open(path)
}

// TestConnection 验证服务器可连接并能执行命令
func TestConnection(ctx context.Context, dialer RemoteDialer, server *models.Server) *models.ConnectionTestResult {
	start := time.Now()
	result := &models.ConnectionTestResult{}

	session, err := dialer.Dial(ctx, server)
	if err != nil {
		result.Message = err.Error()
		result.Duration = time.Since(start).Milliseconds()
		return result
	}
	defer session.Close()

	out, err := session.Run(ctx, "echo OK", "/")
	result.Output = strings.TrimSpace(out.Output)
	result.Duration = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		result.Message = fmt.Sprintf("test command failed: %v", err)
	case out.ExitCode != 0:
		result.Message = fmt.Sprintf("test command exited with %d", out.ExitCode)
	default:
		result.Success = true
		result.Message = "连接成功"
	}
	return result
}

// shellQuote 单引号转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
