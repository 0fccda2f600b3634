package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/application"
	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/server"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// tlsFileConfig 为配置文件中的 TLS 证书路径。
// 证书加载发生在进程入口，服务器核心只接收装配好的 tls.Config。
type tlsFileConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	app := application.New()
	if err := app.Run(); err != nil {
		return err
	}

	cfg, err := server.Load(app.Config())
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	// 开箱即用的内存用户表；生产部署替换为外部 AuthStore 适配器。
	store := auth.NewMemStore(0, nil)
	users := make(map[string]string)
	if err := app.Config().UnmarshalKey("users", &users); err == nil {
		for name, password := range users {
			store.AddUser(name, name, password)
		}
	}

	var tlsCfg *tls.Config
	var tlsFiles tlsFileConfig
	if err := app.Config().UnmarshalKey("tls", &tlsFiles); err == nil &&
		tlsFiles.CertFile != "" && tlsFiles.KeyFile != "" {
		cert, cerr := tls.LoadX509KeyPair(tlsFiles.CertFile, tlsFiles.KeyFile)
		if cerr != nil {
			return fmt.Errorf("load tls keypair: %w", cerr)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv, err := server.New(server.Options{
		Config:    cfg,
		AuthStore: store,
		TLS:       tlsCfg,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("chatserver starting", zap.String("addr", srv.Addr().String()))
	return srv.Serve(ctx)
}
