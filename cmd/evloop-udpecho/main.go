//go:build linux

package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/sliced/evloop"
	"github.com/sliced/evloop/config"
	"github.com/sliced/evloop/udp"
	"github.com/sliced/evloop/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	listenIP := flag.String("ip", "0.0.0.0", "IP address to listen on")
	listenPort := flag.Int("port", 4242, "UDP port to listen on")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}

		if err := evloop.ConfigLogger(l, c); err != nil {
			util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
			os.Exit(1)
		}

		if err := evloop.StartStats(l, c, Build); err != nil {
			util.LogWithContextIfNeeded("Failed to start stats emission", err, l)
			os.Exit(1)
		}
	}

	lp, err := evloop.NewLoop(l, c)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to create the event loop", err, l)
		os.Exit(1)
	}
	defer lp.Close()

	h, err := udp.NewListener(l, lp, *listenIP, *listenPort, c.GetBool("listen.reuseport", false))
	if err != nil {
		util.LogWithContextIfNeeded("Failed to open the listener", err, l)
		os.Exit(1)
	}
	defer h.Close()

	err = h.StartRecv(nil, func(h *udp.Handle, n int, buf []byte, from netip.AddrPort, flags udp.RecvFlags, err error) {
		if err != nil {
			l.WithError(err).Error("Receive failed")
			udp.FreeBuf(buf)
			return
		}
		if n == 0 {
			udp.FreeBuf(buf)
			return
		}
		if flags&udp.RecvPartial != 0 {
			l.WithField("udpAddr", from).Warn("Datagram was truncated")
		}

		req := &udp.SendReq{
			Addr: from,
			Bufs: [][]byte{buf[:n]},
			Cb: func(req *udp.SendReq, err error) {
				if err != nil {
					l.WithError(err).WithField("udpAddr", req.Addr).Error("Echo failed")
				}
				udp.FreeBuf(buf)
			},
		}
		if err := h.QueueSend(req); err != nil {
			udp.FreeBuf(buf)
			return
		}
		h.Sendmsg()
	})
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start receiving", err, l)
		os.Exit(1)
	}

	addr, err := h.LocalAddr()
	if err == nil {
		l.WithField("udpAddr", addr).Info("Echo server up and running")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-stop:
			l.WithField("signal", sig).Info("Caught signal, shutting down")
			return
		default:
		}

		lp.Tick(500)
	}
}
