// Command dicomrtd is the DICOM-RT routing node's process entrypoint:
// serve runs the full receive/group/forward pipeline, echo and send are
// one-shot operator diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	netdicom "github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/sopclass"
	"github.com/Kiragroh/DICOM-RT-Station/internal/config"
	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
	"github.com/Kiragroh/DICOM-RT-Station/internal/orchestrator"
	"github.com/Kiragroh/DICOM-RT-Station/internal/sendengine"
	"github.com/Kiragroh/DICOM-RT-Station/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	log := logrus.New()

	app := &cli.App{
		Name:  "dicomrtd",
		Usage: "DICOM routing and organization node for a radiotherapy workflow",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file path",
				Value:   "config.ini",
				EnvVars: []string{"DICOMRT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(log),
			echoCommand(log),
			sendCommand(log),
			rulesCommand(log),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("dicomrtd exited with error")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func serveCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the receiver, folder watcher, and forwarding pipeline",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			tempDir, err := os.MkdirTemp("", "dicomrtd-recvbuffer-*")
			if err != nil {
				return fmt.Errorf("create staging dir: %w", err)
			}
			defer os.RemoveAll(tempDir)

			orch := orchestrator.New(cfg, tempDir, log)
			orch.RunWorkers(c.Context)

			scp := store.New(store.Config{
				AETitle:                cfg.LocalAETitle,
				ListenIP:               cfg.ListenIP,
				Port:                   cfg.ReceivePort,
				TrustedCallingAETitles: cfg.TrustedCallingAETitles,
			}, orch.Receiver, log)

			go func() {
				if err := scp.Run(); err != nil {
					log.WithError(err).Error("store SCP stopped")
				}
			}()

			if cfg.MetricsListenAddr != "" {
				go func() {
					if err := metrics.Serve(cfg.MetricsListenAddr); err != nil {
						log.WithError(err).Error("metrics server stopped")
					}
				}()
			}

			<-c.Context.Done()
			log.Info("shutting down")
			orch.Shutdown()
			return nil
		},
	}
}

func echoCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:      "echo",
		Usage:     "issue a one-shot C-ECHO against a configured peer",
		ArgsUsage: "<peer>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("echo requires exactly one peer name")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			peer, ok := cfg.FindPeer(c.Args().Get(0))
			if !ok {
				return fmt.Errorf("unknown or disabled peer %q", c.Args().Get(0))
			}
			params, err := netdicom.NewServiceUserParams(peer.AET, cfg.LocalAETitle, sopclass.VerificationClasses, nil)
			if err != nil {
				return err
			}
			user := netdicom.NewServiceUser(fmt.Sprintf("%s:%d", peer.IP, peer.Port), params)
			defer user.Release()
			if err := user.CEcho(); err != nil {
				return fmt.Errorf("echo to %s failed: %w", peer.Name, err)
			}
			log.WithField("peer", peer.Name).Info("echo succeeded")
			return nil
		},
	}
}

func sendCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "resend a folder to a peer, bypassing the rule engine",
		ArgsUsage: "<folder> <peer>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("send requires <folder> <peer>")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			folder := c.Args().Get(0)
			peerName := c.Args().Get(1)
			peer, ok := cfg.FindPeer(peerName)
			if !ok {
				return fmt.Errorf("unknown or disabled peer %q", peerName)
			}
			engine := sendengine.New(cfg.LocalAETitle, cfg.ReceiveRoot, log)
			summary, err := engine.SendFolder(c.Context, folder, sendengine.Peer{
				AET:  peer.AET,
				IP:   peer.IP,
				Port: peer.Port,
			}, cfg.DeleteAfterSend, nil)
			if err != nil {
				return err
			}
			for modality, total := range summary.Total {
				log.WithFields(logrus.Fields{
					"modality":  modality,
					"total":     total,
					"succeeded": summary.Succeeded[modality],
				}).Info("send result")
			}
			return nil
		},
	}
}

func rulesCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "dump the active peer and forwarding-rule configuration as YAML",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			orch := orchestrator.New(cfg, "", log)
			out, err := orch.SnapshotYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
