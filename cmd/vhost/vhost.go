package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/lnxconfig"
	"tcp-tcp-team-pa/pkg/link"
	"tcp-tcp-team-pa/pkg/socket"
)

func main() {
	configPath := flag.String("config", "", "path to the host's .lnx file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	production := flag.Bool("json-logs", false, "log JSON instead of console text")
	drop := flag.Float64("drop", 0, "probability of dropping an outgoing datagram")
	delay := flag.Duration("delay", 0, "latency added to outgoing datagrams")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: vhost --config <lnx file>")
		os.Exit(2)
	}
	log, err := newLogger(*logLevel, *production)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(*configPath, link.Impairments{Drop: *drop, Delay: *delay, Seed: time.Now().UnixNano()}, log); err != nil {
		log.Fatal("vhost failed", zap.Error(err))
	}
}

func newLogger(level string, production bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	cfg := zap.NewDevelopmentConfig()
	if production {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

func run(configPath string, imp link.Impairments, log *zap.Logger) error {
	cfg, err := lnxconfig.ParseConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Interfaces) == 0 {
		return errors.New("host has no interface")
	}
	// A host owns exactly one interface; the rest would need routing.
	iface := cfg.Interfaces[0]
	if len(cfg.Interfaces) > 1 {
		log.Warn("ignoring extra interfaces", zap.Int("count", len(cfg.Interfaces)-1))
	}
	neighbors := make(map[netip.Addr]netip.AddrPort)
	for _, n := range cfg.Neighbors {
		if n.InterfaceName == iface.Name {
			neighbors[n.DestAddr] = n.UDPAddr
		}
	}

	udp, err := link.ListenUDP(iface.UDPAddr, neighbors, log.Named("link"))
	if err != nil {
		return err
	}
	var l link.Link = udp
	if imp.Drop > 0 || imp.Delay > 0 {
		l = link.NewLossy(udp, imp, log.Named("link"))
	}
	defer l.Close()

	tcpCfg := cfg.TCP
	tcpCfg.Logger = log.Named("tcp")
	var opts []socket.Option
	if cfg.ISNSecret != "" {
		opts = append(opts, socket.WithISNSecret([]byte(cfg.ISNSecret)))
	}
	stack, err := socket.NewStack(iface.AssignedIP, l, tcpCfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	stackErr := make(chan error, 1)
	go func() { stackErr <- stack.Run(ctx) }()

	log.Info("host up",
		zap.String("interface", iface.Name),
		zap.Stringer("vip", iface.AssignedIP),
		zap.Stringer("udp", iface.UDPAddr),
		zap.Int("neighbors", len(neighbors)),
	)
	r := newREPL(stack, os.Stdout, log)
	go func() {
		r.run(ctx, os.Stdin)
		stop()
	}()

	select {
	case <-ctx.Done():
		err = <-stackErr
	case err = <-stackErr:
		stop()
	}
	r.wait()
	return err
}
