// awgsrv is the AWG control server launcher: it wires the HW layer, the
// ping-pong player, and the three TCP endpoints together, primes the
// hardware to silence on startup, and flushes it to silence again on a
// graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jbrzusto/awgsrv/awg"
	"github.com/jbrzusto/awgsrv/config"
	"github.com/jbrzusto/awgsrv/debughttp"
	"github.com/jbrzusto/awgsrv/direct"
	"github.com/jbrzusto/awgsrv/notify"
	"github.com/jbrzusto/awgsrv/player"
	"github.com/jbrzusto/awgsrv/queued"
	"github.com/jbrzusto/awgsrv/status"
)

// Exit codes.
const (
	exitOK             = 0
	exitHwInitFailure  = 1
	exitNotifyListener = 2
	exitQueuedListener = 3
	exitDirectListener = 4
)

func main() {
	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	fs := pflag.NewFlagSet("awgsrv", pflag.ExitOnError)
	fs.Parse(os.Args[1:])
	v, cfg := config.Load(fs)

	logger.Printf("instrument: %s (%d channels x %d tones)",
		cfg.Instrument.Model, cfg.Instrument.Channels, cfg.Instrument.TonesPerChannel)

	dev, err := awg.Open(cfg.DataBase, cfg.WenBase)
	if err != nil {
		logger.Printf("HW init failed: %v", err)
		os.Exit(exitHwInitFailure)
	}

	publisher := status.New()
	p := player.New(dev, publisher, log.New(os.Stdout, "[PLAYER] ", log.LstdFlags), time.Duration(cfg.PeriodUs)*time.Microsecond)

	ctx, cancelPlayer := context.WithCancel(context.Background())
	playerDone := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(playerDone)
	}()

	logger.Print("priming PL buffers with zero-gain waveforms on startup")
	if err := p.DrainZeroGain(0, cfg.FlushFrames); err != nil {
		logger.Printf("priming list 0 failed: %v", err)
	}
	if err := p.DrainZeroGain(1, cfg.FlushFrames); err != nil {
		logger.Printf("priming list 1 failed: %v", err)
	}
	logger.Print("PL priming complete")

	notifySrv := notify.New(publisher, log.New(os.Stdout, "[NOTIFY] ", log.LstdFlags))
	publisher.SetSink(notifySrv)
	notifyErrCh := listenAndServe(notifySrv.Serve, hostPort(cfg.NotifyPort), "notify", logger)

	var shutdownRequested = make(chan struct{}, 1)
	queuedSrv := queued.New(p, publisher, log.New(os.Stdout, "[QUEUED] ", log.LstdFlags),
		queued.WithFlushFrames(cfg.FlushFrames),
		queued.WithShutdownFunc(func() {
			select {
			case shutdownRequested <- struct{}{}:
			default:
			}
		}),
	)
	queuedErrCh := listenAndServe(queuedSrv.Serve, hostPort(cfg.QueuedPort), "queued", logger)

	config.WatchReload(v, func(periodUs, flushFrames int) {
		p.Lock()
		p.SetPeriod(time.Duration(periodUs) * time.Microsecond)
		p.Unlock()
		queuedSrv.SetFlushFrames(flushFrames)
		logger.Printf("config reload: period_us=%d flush_frames=%d", periodUs, flushFrames)
	})

	directSrv := direct.New(dev, log.New(os.Stdout, "[DIRECT] ", log.LstdFlags))
	directErrCh := listenAndServe(directSrv.Serve, hostPort(cfg.DirectPort), "direct", logger)

	debugSrv := newDebugHTTPServer(p, publisher, cfg.DebugHTTPAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	poweroff := false
	select {
	case <-sigCh:
		logger.Print("signal received, shutting down")
	case <-shutdownRequested:
		logger.Print("shutdown opcode received")
		poweroff = cfg.EnablePoweroff
	case err := <-notifyErrCh:
		logger.Printf("notify listener failed: %v", err)
		os.Exit(exitNotifyListener)
	case err := <-queuedErrCh:
		logger.Printf("queued listener failed: %v", err)
		os.Exit(exitQueuedListener)
	case err := <-directErrCh:
		logger.Printf("direct listener failed: %v", err)
		os.Exit(exitDirectListener)
	}

	notifySrv.Close()
	queuedSrv.Close()
	directSrv.Close()
	if debugSrv != nil {
		debugSrv.Close()
	}

	logger.Print("flushing PL buffers before shutdown")
	p.Lock()
	p.List(0).Clear()
	p.List(1).Clear()
	p.Unlock()
	if err := p.DrainZeroGain(0, cfg.FlushFrames); err != nil {
		logger.Printf("shutdown flush of list 0 failed: %v", err)
	}
	if err := p.DrainZeroGain(1, cfg.FlushFrames); err != nil {
		logger.Printf("shutdown flush of list 1 failed: %v", err)
	}

	cancelPlayer()
	<-playerDone

	if err := dev.ZeroOutput(); err != nil {
		logger.Printf("final zero_output failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		logger.Printf("HW close failed: %v", err)
	}
	logger.Print("shutdown complete")
	if poweroff {
		_ = syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF)
	}
	os.Exit(exitOK)
}

func hostPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// newDebugHTTPServer starts the read-only status/healthz router on addr
// and returns the *http.Server so the caller can Close it during
// shutdown. A bind failure is logged and treated as non-fatal: the debug
// endpoint is observability, not a required control surface.
func newDebugHTTPServer(p *player.Player, pub *status.Publisher, addr string, logger *log.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: debughttp.NewRouter(p, pub)}
	go func() {
		logger.Printf("debug http listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("debug http server stopped: %v", err)
		}
	}()
	return srv
}

// listenAndServe runs serve(addr) in its own goroutine and reports a
// non-nil return value (including the initial bind error) on the
// returned channel exactly once.
func listenAndServe(serve func(string) error, addr, name string, logger *log.Logger) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("%s listening on %s", name, addr)
		if err := serve(addr); err != nil {
			errCh <- err
		}
	}()
	return errCh
}
