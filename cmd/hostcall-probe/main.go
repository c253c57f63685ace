// Command hostcall-probe is a device-side smoke test for a running hostcalld. It
// allocates three buffers on the session's device, runs DEMO over them, prints an empty
// line through PRINTF and frees what is left, reporting each hostcall's latency.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostcall/client"
	"hostcall/codec"
	"hostcall/config"
	"hostcall/discovery"
	"hostcall/loadbalance"
	"hostcall/logger"
	"hostcall/memory"
	"hostcall/payload"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "hostcalld configuration used to locate the session")
	device := pflag.Uint32P("device", "d", 0, "device whose session to probe")
	count := pflag.Uint64P("count", "n", 1024, "DEMO vector length")
	timeout := pflag.Duration("timeout", 5*time.Second, "overall deadline")
	pflag.Parse()

	var cfg config.Config
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hostcall-probe: %v\n", err)
		os.Exit(1)
	}
	cfg.Log.File = ""
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostcall-probe: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, cfg, memory.DeviceID(*device), *count, log); err != nil {
		log.Error("probe failed", zap.Error(err))
		os.Exit(1)
	}
}

// newDiscovery uses etcd when configured, otherwise the session addresses from cfg.
func newDiscovery(cfg config.Config, log *zap.Logger) (discovery.Discovery, error) {
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		return discovery.NewEtcdDiscovery(cfg.Discovery.EtcdEndpoints, log)
	}
	static := discovery.NewStatic()
	for _, s := range cfg.Sessions {
		addr := s.Advertise
		if addr == "" {
			addr = s.Listen
		}
		device := memory.DeviceID(s.Device)
		static.Announce(discovery.SessionName(device), discovery.Endpoint{Addr: addr, Device: device, Weight: 1}, 0)
	}
	return static, nil
}

func run(ctx context.Context, cfg config.Config, device memory.DeviceID, count uint64, log *zap.Logger) (err error) {
	disc, err := newDiscovery(cfg, log)
	if err != nil {
		return err
	}
	if c, ok := disc.(io.Closer); ok {
		defer func() { err = multierr.Append(err, c.Close()) }()
	}

	hostname, _ := os.Hostname()
	bal, err := loadbalance.New(cfg.Client.Balancer, hostname)
	if err != nil {
		return err
	}
	ct, _ := codec.ParseCodecType(cfg.Client.Codec)
	cl := client.NewClient(disc, bal, ct, cfg.Client.PoolSize, client.WithLogger(log))
	defer func() { err = multierr.Append(err, cl.Close()) }()

	session := discovery.SessionName(device)
	timed := func(name string, f func() error) error {
		start := time.Now()
		if err := f(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Info("hostcall completed", zap.String("service", name), zap.String("session", session), zap.Duration("latency", time.Since(start)))
		return nil
	}

	var bufs [3]memory.Address
	for i := range bufs {
		if err := timed("MALLOC", func() error {
			res, err := cl.Malloc(ctx, session, count*memory.Int32Size)
			if err != nil {
				return err
			}
			if !res.Status.OK() {
				return fmt.Errorf("status %s", res.Status)
			}
			bufs[i] = res.Address
			return nil
		}); err != nil {
			return err
		}
	}

	// Fresh buffers hold zeros, so every product is zero
	if err := timed("DEMO", func() error {
		res, err := cl.Demo(ctx, session, payload.DemoArgs{Count: count, A: bufs[0], B: bufs[1], C: bufs[2]})
		if err != nil {
			return err
		}
		if !res.Status.OK() || res.Zeros != count {
			return fmt.Errorf("status %s, %d zeros of %d", res.Status, res.Zeros, count)
		}
		return nil
	}); err != nil {
		return err
	}

	// PRINTF frees its buffer; an all-zero buffer trims to nothing and prints nothing
	if err := timed("PRINTF", func() error {
		status, err := cl.Printf(ctx, session, count*memory.Int32Size, bufs[0])
		if err != nil {
			return err
		}
		if !status.OK() {
			return fmt.Errorf("status %s", status)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, buf := range bufs[1:] {
		if err := timed("FREE", func() error { return cl.Free(ctx, session, buf) }); err != nil {
			return err
		}
	}
	return nil
}
