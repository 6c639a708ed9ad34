// wgudp-diag exercises the UDP socket plane against the live OS: transport
// probing, socket binding, source resolution, and one-shot sends.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"wg-udp-plane/internal/core"
	"wg-udp-plane/internal/platform"
	"wg-udp-plane/internal/platform/host"
	"wg-udp-plane/internal/sock"
)

var configPath string

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		fatal("%v", err)
	}
	core.Log.Reconfigure(cfg.Log)

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "probe":
		doProbe()
	case "bind":
		port := cfg.ListenPort
		if len(cmdArgs) > 0 {
			p, err := strconv.ParseUint(cmdArgs[0], 10, 16)
			if err != nil {
				fatal("bad port %q", cmdArgs[0])
			}
			port = uint16(p)
		}
		doBind(cfg, port)
	case "resolve":
		if len(cmdArgs) < 1 {
			fatal("usage: wgudp-diag resolve <addr:port>")
		}
		doResolve(cfg, cmdArgs[0])
	case "send":
		if len(cmdArgs) < 2 {
			fatal("usage: wgudp-diag send <addr:port> <payload>")
		}
		doSend(cfg, cmdArgs[0], cmdArgs[1])
	case "listen":
		secs := 10
		if len(cmdArgs) > 0 {
			if n, err := strconv.Atoi(cmdArgs[0]); err == nil {
				secs = n
			}
		}
		doListen(cfg, secs)
	default:
		printUsage()
		os.Exit(1)
	}
}

func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: wgudp-diag [--config file] <command>

commands:
  probe                     init the stack and report transport availability
  bind [port]               bind the socket pair, print the learned port
  resolve <addr:port>       resolve the egress interface and source address
  send <addr:port> <text>   send one datagram through the full pipeline
  listen [seconds]          bind and count received datagrams`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "wgudp-diag: "+format+"\n", args...)
	os.Exit(1)
}

// newStack builds and initializes the stack against the host providers.
func newStack() *sock.Stack {
	routes, sockets, err := host.NewProviders()
	if err != nil {
		fatal("%v", err)
	}
	s := sock.NewStack(sockets, routes)
	if err := s.Init(); err != nil {
		fatal("init: %v", err)
	}
	return s
}

func doProbe() {
	s := newStack()
	defer s.Unload()
	if err := s.EnsureTransport(); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("v4 transport: %v\n", s.HasV4())
	fmt.Printf("v6 transport: %v\n", s.HasV6())
	fmt.Printf("routing generation v4=%d v6=%d\n",
		s.RoutingGeneration(platform.FamilyV4), s.RoutingGeneration(platform.FamilyV6))
}

func doBind(cfg *core.Config, port uint16) {
	s := newStack()
	defer s.Unload()
	dev := sock.NewDevice(cfg.InterfaceLUID, 0)
	if err := s.SocketInit(dev, port); err != nil {
		fatal("bind: %v", err)
	}
	fmt.Printf("listening on port %d\n", dev.IncomingPort())
	s.SocketTeardown(dev)
}

func doResolve(cfg *core.Config, target string) {
	remote, err := netip.ParseAddrPort(target)
	if err != nil {
		fatal("bad address %q: %v", target, err)
	}
	s := newStack()
	defer s.Unload()
	dev := sock.NewDevice(cfg.InterfaceLUID, 0)
	peer := sock.NewPeer(dev)
	s.SetEndpoint(peer, &sock.Endpoint{Remote: remote})
	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		fatal("resolve %s: %v", remote, err)
	}
	fmt.Printf("remote %s via ifindex %d source %s (routing generation %d)\n",
		ep.Remote, ep.SrcIfIndex, ep.Src, ep.RoutingGen)
}

func doSend(cfg *core.Config, target, payload string) {
	remote, err := netip.ParseAddrPort(target)
	if err != nil {
		fatal("bad address %q: %v", target, err)
	}
	s := newStack()
	defer s.Unload()
	dev := sock.NewDevice(cfg.InterfaceLUID, 0)
	dev.SetUp(true)
	if err := s.SocketInit(dev, cfg.ListenPort); err != nil {
		fatal("bind: %v", err)
	}
	defer s.SocketTeardown(dev)

	peer := sock.NewPeer(dev)
	s.SetEndpoint(peer, &sock.Endpoint{Remote: remote})
	if err := s.SendBuffer(peer, []byte(payload)); err != nil {
		fatal("send: %v", err)
	}
	fmt.Printf("sent %d bytes to %s from port %d (peer tx %d)\n",
		len(payload), remote, dev.IncomingPort(), peer.TxBytes())
}

func doListen(cfg *core.Config, secs int) {
	s := newStack()
	defer s.Unload()
	dev := sock.NewDevice(cfg.InterfaceLUID, 0)
	dev.SetUp(true)
	received := 0
	dev.PacketReceive = func(_ *sock.Device, first *sock.Packet) {
		for p := first; p != nil; {
			next := p.Next
			received++
			core.Log.Infof("Diag", "Datagram: %d bytes from %s", len(p.Data), p.Indication().Remote)
			p.Free()
			p = next
		}
	}
	if err := s.SocketInit(dev, cfg.ListenPort); err != nil {
		fatal("bind: %v", err)
	}
	fmt.Printf("listening on port %d for %ds\n", dev.IncomingPort(), secs)
	time.Sleep(time.Duration(secs) * time.Second)
	s.SocketTeardown(dev)
	fmt.Printf("received %d datagrams, discarded %d\n", received, dev.Stats.InDiscards.Load())
}
