// Command lapdd runs the LAPD interfaces described by a YAML configuration
// file until it is interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"avaneesh/lapd-go/pkg/capture"
	"avaneesh/lapd-go/pkg/config"
	"avaneesh/lapd-go/pkg/isdn"
	"avaneesh/lapd-go/pkg/journal"
	"avaneesh/lapd-go/pkg/link"
)

func main() {
	configPath := pflag.StringP("config", "c", "lapdd.yaml", "Configuration file.")
	level := pflag.StringP("log-level", "l", "", "Log level (debug, info, warn, error). Overrides the file.")
	console := pflag.Bool("console", false, "Human readable console logging.")
	frameDebug := pflag.Bool("frame-debug", false, "Hex dump every frame.")
	capturePath := pflag.String("capture", "", "Write frames to this pcap file. Overrides the file.")
	journalPath := pflag.String("journal", "", "Journal events to this SQLite file. Overrides the file.")
	statsEvery := pflag.Duration("stats", 0, "Log interface statistics at this interval (0 disables).")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lapdd [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lapdd: %v\n", err)
		os.Exit(1)
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if pflag.CommandLine.Changed("console") {
		cfg.Log.Console = *console
	}
	if pflag.CommandLine.Changed("frame-debug") {
		cfg.Log.FrameDebug = *frameDebug
	}
	if *capturePath != "" {
		cfg.Capture = *capturePath
	}
	if *journalPath != "" {
		cfg.Journal = *journalPath
	}

	if err := run(cfg, *statsEvery); err != nil {
		fmt.Fprintf(os.Stderr, "lapdd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, statsEvery time.Duration) error {
	lvl, err := isdn.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Log.Console {
		isdn.SetConsoleLogLevel(lvl)
	} else {
		isdn.SetLogLevel(lvl)
	}
	isdn.EnableFrameDebug(cfg.Log.FrameDebug)
	log := isdn.DefaultLogger()

	manager := isdn.NewManagerWithLogger(log)

	if cfg.Capture != "" {
		w, err := capture.Create(cfg.Capture)
		if err != nil {
			return err
		}
		defer w.Close()
		manager.SetCapture(w)
		log.Info("Capturing frames to %s", cfg.Capture)
	}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal, log)
		if err != nil {
			return err
		}
		defer j.Close()
		manager.SetJournal(j)
	}
	defer manager.Shutdown()

	for idx := range cfg.Interfaces {
		if err := addInterface(manager, &cfg.Interfaces[idx], log); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var tick <-chan time.Time
	if statsEvery > 0 {
		ticker := time.NewTicker(statsEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case sig := <-sigCh:
			log.Info("Received %s, shutting down", sig)
			return nil
		case <-tick:
			logStatistics(manager, log)
		}
	}
}

func addInterface(manager *isdn.Manager, ic *config.InterfaceConfig, log isdn.Logger) error {
	ifc := isdn.DefaultInterfaceConfig(ic.Name, ic.FrameRole())
	if ic.Mode == config.ModePointToPoint {
		ifc.Mode = isdn.ModePointToPoint
	}
	ifc.TEI = ic.StaticTEI()
	ifc.Network = ic.NetworkConfig()
	ifc.Terminal = ic.TerminalConfig()
	if ic.Rate == config.RatePrimary {
		ifc.DefaultParams = link.PrimaryRateSAPParams
	}
	for _, sc := range ic.SAPs {
		ifc.SAPs = append(ifc.SAPs, ic.SAPParams(sc))
	}

	physical, err := ic.Transport.Open()
	if err != nil {
		return fmt.Errorf("interface %s: %w", ic.Name, err)
	}
	iface, err := manager.AddInterface(ifc, physical, indicationLogger(log))
	if err != nil {
		physical.Close()
		return err
	}

	for _, sc := range ic.SAPs {
		sapi := uint8(sc.SAPI)
		if sc.Listen {
			if err := iface.Listen(sapi); err != nil {
				return fmt.Errorf("interface %s: listen on SAPI %d: %w", ic.Name, sapi, err)
			}
		}
		if sc.Establish {
			c, err := iface.Dial(sapi)
			if err != nil {
				return fmt.Errorf("interface %s: SAPI %d: %w", ic.Name, sapi, err)
			}
			if err := c.EstablishRequest(); err != nil {
				return fmt.Errorf("interface %s: establish %s: %w", ic.Name, c, err)
			}
		}
	}
	return nil
}

// indicationLogger reports every upward primitive. Data indications are
// logged with their size only.
func indicationLogger(log isdn.Logger) isdn.Handler {
	return isdn.HandlerFunc(func(c *isdn.Conn, ind link.Indication) {
		switch ind.Primitive {
		case link.DLDataIndication, link.DLUnitDataIndication:
			log.Debug("%s %d/%d: %d octets", ind.Primitive, ind.SAPI, ind.TEI, len(ind.Payload))
		case link.MDLErrorIndication:
			log.Warn("%s", ind)
		default:
			if c != nil {
				log.Info("%s: %s", c, ind)
			} else {
				log.Info("%s", ind)
			}
		}
	})
}

func logStatistics(manager *isdn.Manager, log isdn.Logger) {
	for _, name := range manager.Interfaces() {
		iface, ok := manager.GetInterface(name)
		if !ok {
			continue
		}
		st := iface.Statistics()
		log.Info("%s: active=%t conns=%d est=%d tx=%d rx=%d bad=%d i-tx=%d i-rx=%d retx=%d mdl=%d teis=%d",
			name, iface.Active(), st.Connections, st.Established, st.FramesTx, st.FramesRx, st.BadFrames,
			st.IFramesTx, st.IFramesRx, st.Retransmissions, st.MDLErrors, st.TEIsInUse)
	}
}
