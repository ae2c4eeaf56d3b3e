package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"backapp-server/config"
)

var (
	// Version 构建时注入
	Version = "dev"

	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "backapp-server",
	Short: "SSH/SFTP 远程文件备份服务",
	Long: `backapp-server 通过 SSH/SFTP 从远程主机拉取文件到本地存储位置：
  - 按备份配置执行前置/后置命令并并行传输文件
  - 按 cron 定时执行并按天数清理过期备份
  - 删除和迁移存储位置前计算影响范围`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(config.Load())
	},
	// 不带子命令时启动 HTTP 服务
	RunE:    runServe,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(retentionCmd)
}

func setupLogging(cfg *config.Config) {
	if jsonOutput || cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}
