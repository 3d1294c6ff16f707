package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/ehrlich-b/go-ublkctl"
	"github.com/ehrlich-b/go-ublkctl/internal/logging"
)

// openController is replaced in tests
var openController = ublkctl.Open

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "ublkctl"
	a.Usage = "add, configure and remove ublk block devices"
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "debug, info, warn or error",
			EnvVar: "UBLKCTL_LOG_LEVEL",
		},
		cli.BoolFlag{
			Name:  "ioctl-encode",
			Usage: "send ioctl-encoded control opcodes (needed on kernels without legacy opcode support)",
		},
	}
	a.Before = func(c *cli.Context) error {
		logConfig := logging.DefaultConfig()
		logConfig.Level = logging.ParseLevel(c.GlobalString("log-level"))
		logging.SetDefault(logging.NewLogger(logConfig))
		return nil
	}
	a.Commands = []cli.Command{
		AddCmd(),
		RemoveCmd(),
		StartCmd(),
		StopCmd(),
		SetParamsCmd(),
		InfoCmd(),
	}
	return a
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Error("command failed", "error", err)
		os.Exit(1)
	}
}
