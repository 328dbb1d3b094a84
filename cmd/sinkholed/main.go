package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sinkhole "github.com/sinkholed/sinkholed"
)

const (
	plainDNSPort = 53
	doTPort      = 853
	doHPort      = 443
	doQPort      = 853
	apiPort      = 8080
)

type options struct {
	logLevel uint32
	version  bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "sinkholed <config> [<config>..]",
		Short: "DNS sinkhole forwarder",
		Long: `DNS sinkhole forwarder.

Listens for incoming DNS requests over UDP/TCP, DNS-over-TLS,
DNS-over-HTTPS or DNS-over-QUIC, answers NXDOMAIN for any query
name found on a configured blocklist, and forwards everything
else to a configured upstream resolver.

Configuration can be split over multiple files, concatenated in
the order given.
`,
		Example: `  sinkholed config.toml`,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Prints code version string")

	cmd.AddCommand(validateConfigCmd(), validateListsCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config <config> [<config>..]",
		Short: "Parse the configuration and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig(configFiles(args)...)
			return err
		},
		SilenceUsage: true,
	}
}

func validateListsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-lists <config> [<config>..]",
		Short: "Fetch and parse every blocklist/allowlist, uncached",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(configFiles(args)...)
			if err != nil {
				return err
			}
			engine := sinkhole.NewEngine(sinkhole.EngineOptions{
				BlockURLs:         c.Blocklist.Lists,
				AllowURLs:         c.Blocklist.AllowList,
				IncludeSubdomains: c.Blocklist.IncludeSubdomains,
			})
			if err := engine.Rebuild(context.Background(), false); err != nil {
				return err
			}
			for _, l := range engine.List() {
				if l.State == "Error" {
					return fmt.Errorf("list %q: %s", l.URL, l.Errors)
				}
			}
			return nil
		},
		SilenceUsage: true,
	}
}

// configFiles applies the <PROGRAM>_DIR environment override: when set, it
// is prepended to every relative config argument.
func configFiles(args []string) []string {
	dir := os.Getenv("SINKHOLED_DIR")
	if dir == "" {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		if filepath.IsAbs(a) {
			out[i] = a
			continue
		}
		out[i] = dir + string(os.PathSeparator) + a
	}
	return out
}

func cacheDir() string {
	if dir := os.Getenv("SINKHOLED_DIR"); dir != "" {
		return dir + string(os.PathSeparator) + "cache"
	}
	return "cache"
}

func start(opt options, args []string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	if opt.version {
		printVersion()
		return nil
	}
	if len(args) < 1 {
		return errors.New("not enough arguments")
	}
	sinkhole.Log.SetLevel(logrus.Level(opt.logLevel))

	c, err := loadConfig(configFiles(args)...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	forwarder, err := buildForwarder(c.Upstream)
	if err != nil {
		return fmt.Errorf("building upstream forwarder: %w", err)
	}

	engine := sinkhole.NewEngine(sinkhole.EngineOptions{
		BlockURLs:         c.Blocklist.Lists,
		AllowURLs:         c.Blocklist.AllowList,
		CacheDir:          cacheDir(),
		IncludeSubdomains: c.Blocklist.IncludeSubdomains,
	})
	dispatcher := sinkhole.NewDispatcher(engine, forwarder)

	listeners, err := buildListeners(c.Downstream, c.API, engine, dispatcher)
	if err != nil {
		return err
	}

	scheduler := sinkhole.NewScheduler(engine, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			sinkhole.Log.WithError(err).Error("refresh scheduler stopped")
		}
	}()

	for _, l := range listeners {
		go func(l sinkhole.Listener) {
			for {
				err := l.Start()
				sinkhole.Log.WithError(err).Error("listener failed")
				time.Sleep(time.Second)
			}
		}(l)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	sinkhole.Log.Info("stopping")
	scheduler.Stop()
	for _, l := range listeners {
		_ = l.Stop()
	}
	return nil
}

func buildForwarder(u upstream) (sinkhole.Forwarder, error) {
	if len(u.Nameservers) == 0 {
		return nil, errors.New("upstream: at least one nameserver is required")
	}
	timeout := time.Duration(u.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	var forwarders []sinkhole.Forwarder
	for i, ns := range u.Nameservers {
		id := fmt.Sprintf("upstream-%d", i)
		switch u.Protocol {
		case "udp", "":
			forwarders = append(forwarders, sinkhole.NewDNSForwarder(id, ns, "udp", timeout))
		case "tcp":
			forwarders = append(forwarders, sinkhole.NewDNSForwarder(id, ns, "tcp", timeout))
		case "doh":
			endpoint := ns
			tlsConfig, err := sinkhole.TLSClientConfig(u.CACert, "", "", u.DNSHostname)
			if err != nil {
				return nil, fmt.Errorf("upstream %q: %w", id, err)
			}
			f, err := sinkhole.NewDoHForwarder(id, endpoint, sinkhole.DoHForwarderOptions{
				Method:       u.Method,
				QueryTimeout: timeout,
				TLSConfig:    tlsConfig,
			})
			if err != nil {
				return nil, err
			}
			forwarders = append(forwarders, f)
		default:
			return nil, fmt.Errorf("unsupported upstream protocol %q", u.Protocol)
		}
	}
	if len(forwarders) == 1 {
		return forwarders[0], nil
	}
	return sinkhole.NewForwarderPool(forwarders...), nil
}

func buildListeners(downs []downstream, apiCfg *api, engine *sinkhole.Engine, dispatcher *sinkhole.Dispatcher) ([]sinkhole.Listener, error) {
	var listeners []sinkhole.Listener
	for i, d := range downs {
		id := fmt.Sprintf("downstream-%d", i)
		allowedNet, err := parseCIDRList(d.AllowedNet)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", id, err)
		}
		opt := sinkhole.ListenOptions{AllowedNet: allowedNet}
		timeout := time.Duration(d.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 3 * time.Second
		}

		switch d.Protocol {
		case "udp":
			listeners = append(listeners, sinkhole.NewDNSListener(id, addrWithDefault(d.Listen, d.Port, plainDNSPort), "udp", opt, dispatcher))
		case "tcp":
			listeners = append(listeners, sinkhole.NewDNSListener(id, addrWithDefault(d.Listen, d.Port, plainDNSPort), "tcp", opt, dispatcher))
		case "tls":
			tlsConfig, err := sinkhole.TLSServerConfig("", d.Certificate, d.Key, false)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			listeners = append(listeners, sinkhole.NewDoTListener(id, addrWithDefault(d.Listen, d.Port, doTPort), sinkhole.DoTListenerOptions{ListenOptions: opt, TLSConfig: tlsConfig, IdleTimeout: timeout}, dispatcher))
		case "https":
			tlsConfig, err := sinkhole.TLSServerConfig("", d.Certificate, d.Key, false)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			ln, err := sinkhole.NewDoHListener(id, addrWithDefault(d.Listen, d.Port, doHPort), sinkhole.DoHListenerOptions{ListenOptions: opt, TLSConfig: tlsConfig, Transport: "tcp", Path: d.HTTPEndpoint, IdleTimeout: timeout}, dispatcher)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			listeners = append(listeners, ln)
		case "h3":
			tlsConfig, err := sinkhole.TLSServerConfig("", d.Certificate, d.Key, false)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			ln, err := sinkhole.NewDoHListener(id, addrWithDefault(d.Listen, d.Port, doHPort), sinkhole.DoHListenerOptions{ListenOptions: opt, TLSConfig: tlsConfig, Transport: "quic", Path: d.HTTPEndpoint, IdleTimeout: timeout}, dispatcher)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			listeners = append(listeners, ln)
		case "quic":
			tlsConfig, err := sinkhole.TLSServerConfig("", d.Certificate, d.Key, false)
			if err != nil {
				return nil, fmt.Errorf("listener %q: %w", id, err)
			}
			listeners = append(listeners, sinkhole.NewDoQListener(id, addrWithDefault(d.Listen, d.Port, doQPort), sinkhole.DoQListenerOptions{ListenOptions: opt, TLSConfig: tlsConfig, IdleTimeout: timeout}, dispatcher))
		default:
			return nil, fmt.Errorf("unsupported downstream protocol %q", d.Protocol)
		}
	}

	if apiCfg != nil {
		listeners = append(listeners, sinkhole.NewAdminListener("admin", addrWithDefault(apiCfg.Listen, apiCfg.Port, apiPort), engine, sinkhole.AdminOptions{
			AdminKey: apiCfg.AdminKey,
			ShowDoc:  apiCfg.ShowDoc,
		}))
	}

	return listeners, nil
}

func printVersion() {
	fmt.Println("Version:", sinkhole.BuildVersion)
}
