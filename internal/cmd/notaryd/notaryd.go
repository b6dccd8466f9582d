// Package notaryd 公证人守护进程：HTTP JSON-RPC + gRPC + /metrics。
package notaryd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/weisyn/ledger-flow-go/config"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/metrics"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/wallet"
)

const shutdownTimeout = 5 * time.Second

// ParseFlags 解析命令行，返回配置文件路径
func ParseFlags(fs *flag.FlagSet, args []string) (string, error) {
	var path string
	fs.StringVar(&path, "config", "", "Path to the YAML config file (optional)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return path, nil
}

// Server 公证人守护进程
type Server struct {
	notary   notary.Notary
	http     *http.Server
	grpc     *grpc.Server
	metrics  *http.Server
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewServer 按配置装配公证人与各接入端
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	w, err := loadWallet(cfg.Notary, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	uniq := notary.NewUniqueness(w, &notary.Config{Name: cfg.Notary.Name, Logger: logger})
	n, err := metrics.InstrumentNotary(uniq, registry)
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer(notary.NewGRPCServerOptions()...)
	notary.RegisterGRPC(grpcServer, n, logger)

	s := &Server{
		notary:   n,
		http:     &http.Server{Handler: notary.NewHTTPHandler(n, cfg.NotaryHTTPConfig(logger)), ReadHeaderTimeout: 10 * time.Second},
		grpc:     grpcServer,
		registry: registry,
		logger:   logger,
	}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// Identity 公证人身份
func (s *Server) Identity() ledger.Party {
	return s.notary.Identity()
}

// Listeners 各接入端的监听器；nil 表示不启用该接入端
type Listeners struct {
	HTTP    net.Listener
	GRPC    net.Listener
	Metrics net.Listener
}

// Serve 在给定监听器上服务，直到 ctx 结束或任一接入端失败
func (s *Server) Serve(ctx context.Context, lis Listeners) error {
	if lis.HTTP == nil && lis.GRPC == nil {
		return errors.New("no notary listener configured")
	}
	g, gctx := errgroup.WithContext(ctx)

	if lis.HTTP != nil {
		s.logger.Info("notary http listening", "addr", lis.HTTP.Addr().String())
		g.Go(func() error { return serveHTTP(s.http, lis.HTTP) })
	}
	if lis.GRPC != nil {
		s.logger.Info("notary grpc listening", "addr", lis.GRPC.Addr().String())
		g.Go(func() error { return s.grpc.Serve(lis.GRPC) })
	}
	if lis.Metrics != nil && s.metrics != nil {
		s.logger.Info("metrics listening", "addr", lis.Metrics.Addr().String())
		g.Go(func() error { return serveHTTP(s.metrics, lis.Metrics) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(sctx)
		if s.metrics != nil {
			_ = s.metrics.Shutdown(sctx)
		}
		s.grpc.GracefulStop()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		s.logger.Info("notary stopped")
		return nil
	}
	return err
}

// Run 按配置监听并服务
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := NewServer(cfg, logger)
	if err != nil {
		return err
	}

	var lis Listeners
	closeAll := func() {
		for _, l := range []net.Listener{lis.HTTP, lis.GRPC, lis.Metrics} {
			if l != nil {
				_ = l.Close()
			}
		}
	}
	listen := func(addr string) (net.Listener, error) {
		if addr == "" {
			return nil, nil
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return l, nil
	}
	if lis.HTTP, err = listen(cfg.Notary.HTTPListen); err != nil {
		return err
	}
	if lis.GRPC, err = listen(cfg.Notary.GRPCListen); err != nil {
		return err
	}
	if lis.Metrics, err = listen(cfg.Metrics.Listen); err != nil {
		return err
	}

	logger.Info("notary started", "name", s.Identity().Name, "address", s.Identity().String())
	return s.Serve(ctx, lis)
}

func serveHTTP(srv *http.Server, l net.Listener) error {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadWallet 按优先级：keystore 中已有密钥 → 新建并存入 keystore → 临时密钥
func loadWallet(cfg config.NotaryConfig, logger *slog.Logger) (wallet.Wallet, error) {
	if cfg.KeyAddress != "" {
		km, err := wallet.NewKeystoreManager(cfg.KeystoreDir)
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		w, err := km.LoadWallet(cfg.KeyAddress, cfg.KeyPassword)
		if err != nil {
			return nil, fmt.Errorf("load notary key %s: %w", cfg.KeyAddress, err)
		}
		return w, nil
	}

	w, err := wallet.NewWallet()
	if err != nil {
		return nil, fmt.Errorf("generate notary key: %w", err)
	}
	if cfg.KeyPassword == "" {
		logger.Warn("notary key is ephemeral; set notary.keyAddress to reuse a stored key")
		return w, nil
	}
	km, err := wallet.NewKeystoreManager(cfg.KeystoreDir)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	address, path, err := km.SaveWallet(w, cfg.KeyPassword)
	if err != nil {
		return nil, fmt.Errorf("save notary key: %w", err)
	}
	logger.Info("notary key generated", "address", address, "path", path)
	return w, nil
}
