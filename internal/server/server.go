// Package server wires the runtime config into listeners, drives live
// reload and performs graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/metrics"
	"github.com/AssetsArt/nylon/internal/proxy"
	"github.com/AssetsArt/nylon/internal/tlsstore"
	"github.com/AssetsArt/nylon/internal/websocket"
)

// Server owns the listener set for one process.
type Server struct {
	runtime *config.RuntimeConfig
	servers []*http.Server
	watcher *config.Watcher
}

// New builds a server from the runtime config: the proxy handler on
// each HTTP/HTTPS address and the metrics endpoint on each metrics
// address.
func New(rc *config.RuntimeConfig) (*Server, error) {
	if rc.Server.Threads > 0 {
		runtime.GOMAXPROCS(rc.Server.Threads)
	}

	if err := websocket.InitAdapter(rc.WebSocket); err != nil {
		return nil, err
	}

	handler := proxy.NewHandler(rc.Server.UpstreamKeepalivePoolSize)
	s := &Server{runtime: rc}

	for _, addr := range dedupeListen(rc.HTTP) {
		s.servers = append(s.servers, &http.Server{Addr: addr, Handler: handler})
	}
	for _, addr := range dedupeListen(rc.HTTPS) {
		s.servers = append(s.servers, &http.Server{
			Addr:    addr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: tlsstore.GetCertificate,
				NextProtos:     []string{"h2", "http/1.1"},
			},
		})
	}
	for _, addr := range dedupeListen(rc.Metrics) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.servers = append(s.servers, &http.Server{Addr: addr, Handler: mux})
	}

	if len(s.servers) == 0 {
		return nil, errors.Config("no listen addresses configured")
	}
	return s, nil
}

// dedupeListen collapses the listen set to a single wildcard bind when
// 0.0.0.0 is present on a port.
func dedupeListen(addrs []string) []string {
	for _, addr := range addrs {
		if strings.Contains(addr, "0.0.0.0") {
			return []string{addr}
		}
	}
	return addrs
}

// Run starts every listener, watches for reload triggers and blocks
// until shutdown completes.
func (s *Server) Run() error {
	if err := s.writePidFile(); err != nil {
		return err
	}
	defer s.removePidFile()

	group, ctx := errgroup.WithContext(context.Background())

	// Bind every listener before dropping privileges so low ports work.
	listeners := make([]net.Listener, len(s.servers))
	for i, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners[:i] {
				open.Close()
			}
			return errors.Wrap(errors.KindConfig, "bind "+srv.Addr, err)
		}
		listeners[i] = ln
	}

	if err := dropPrivileges(s.runtime.Server.User, s.runtime.Server.Group); err != nil {
		return err
	}

	for i, srv := range s.servers {
		srv, ln := srv, listeners[i]
		group.Go(func() error {
			scheme := "http"
			var serveErr error
			if srv.TLSConfig != nil {
				scheme = "https"
				logging.Info("listener started", zap.String("addr", scheme+"://"+srv.Addr))
				serveErr = srv.ServeTLS(ln, "", "")
			} else {
				logging.Info("listener started", zap.String("addr", scheme+"://"+srv.Addr))
				serveErr = srv.Serve(ln)
			}
			if serveErr == http.ErrServerClosed {
				return nil
			}
			return serveErr
		})
	}

	// SIGHUP reloads; the config watcher debounces file edits into the
	// same path.
	reload := func() {
		if err := Reload(s.runtime); err != nil {
			logging.Error("config reload failed, keeping previous generation", zap.Error(err))
			return
		}
		logging.Info("configuration reloaded")
	}

	if watcher, err := config.NewWatcher(s.runtime.ConfigDir, reload); err != nil {
		logging.Warn("config watcher unavailable", zap.Error(err))
	} else {
		s.watcher = watcher
		defer watcher.Close()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-signals:
				switch sig {
				case syscall.SIGHUP:
					reload()
				default:
					logging.Info("shutting down", zap.String("signal", sig.String()))
					s.shutdown()
					return nil
				}
			}
		}
	})

	return group.Wait()
}

// shutdown closes listeners and gives in-flight requests the configured
// grace budget before aborting them.
func (s *Server) shutdown() {
	grace := time.Duration(s.runtime.Server.GracePeriodSeconds) * time.Second
	timeout := time.Duration(s.runtime.Server.GracefulShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace+timeout)
	defer cancel()

	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("forced close", zap.String("addr", srv.Addr), zap.Error(err))
			srv.Close()
		}
	}
}

// dropPrivileges switches to the configured unprivileged user/group
// after the sockets are bound.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		grp, err := user.LookupGroup(groupName)
		if err != nil {
			return errors.Wrap(errors.KindConfig, "lookup group "+groupName, err)
		}
		gid, _ := strconv.Atoi(grp.Gid)
		if err := syscall.Setgid(gid); err != nil {
			return errors.Wrap(errors.KindConfig, "setgid "+groupName, err)
		}
	}
	if userName != "" {
		usr, err := user.Lookup(userName)
		if err != nil {
			return errors.Wrap(errors.KindConfig, "lookup user "+userName, err)
		}
		uid, _ := strconv.Atoi(usr.Uid)
		if err := syscall.Setuid(uid); err != nil {
			return errors.Wrap(errors.KindConfig, "setuid "+userName, err)
		}
		logging.Info("dropped privileges", zap.String("user", userName))
	}
	return nil
}

func (s *Server) writePidFile() error {
	path := s.runtime.Server.PidFile
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (s *Server) removePidFile() {
	if path := s.runtime.Server.PidFile; path != "" {
		os.Remove(path)
	}
}
