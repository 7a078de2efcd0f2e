// Command driftlogctl is an operator tool for inspecting and exercising a
// commit log directory outside of a running broker process.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/driftlog/driftlog/commitlog"
	"github.com/driftlog/driftlog/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "driftlogctl"
	app.Usage = "inspect and drive a driftlog commit log directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a driftlog config file"},
		cli.StringFlag{Name: "path", Usage: "commit log directory (overrides config)"},
	}
	app.Commands = []cli.Command{
		inspectCommand(),
		recoverCommand(),
		appendCommand(),
		checkCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "driftlogctl:", err)
		os.Exit(1)
	}
}

func loadOptions(c *cli.Context) (commitlog.Options, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return commitlog.Options{}, err
	}
	if p := c.GlobalString("path"); p != "" {
		cfg.Path = p
	}
	opts, err := cfg.ToOptions()
	if err != nil {
		return commitlog.Options{}, err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	opts.Logger = commitlog.NewLogger(level)
	return opts, nil
}

func inspectCommand() cli.Command {
	return cli.Command{
		Name:  "inspect",
		Usage: "print summary offsets and segment sizes for a commit log directory",
		Action: func(c *cli.Context) error {
			opts, err := loadOptions(c)
			if err != nil {
				return err
			}
			cl, err := commitlog.Open(opts, commitlog.Dependencies{})
			if err != nil {
				return err
			}
			defer cl.Close()

			fmt.Printf("path:        %s\n", opts.Path)
			fmt.Printf("segment size: %s\n", humanize.Bytes(uint64(opts.MappedFileSize)))
			fmt.Printf("min offset:  %d\n", cl.GetMinOffset())
			fmt.Printf("max offset:  %d\n", cl.GetMaxOffset())
			fmt.Printf("confirm offset: %d\n", cl.GetConfirmOffset())

			stats := cl.Stats()
			fmt.Printf("put count:   %d\n", stats.PutMessageCount)
			fmt.Printf("lock hold:   p50=%dus p99=%dus max=%dus\n",
				stats.LockHoldP50Micros, stats.LockHoldP99Micros, stats.LockHoldMaxMicros)
			fmt.Printf("flush:       p50=%dus p99=%dus max=%dus\n",
				stats.FlushP50Micros, stats.FlushP99Micros, stats.FlushMaxMicros)
			return nil
		},
	}
}

func checkCommand() cli.Command {
	return cli.Command{
		Name:  "check",
		Usage: "verify the segment list's consecutive-offset invariant",
		Action: func(c *cli.Context) error {
			opts, err := loadOptions(c)
			if err != nil {
				return err
			}
			cl, err := commitlog.Open(opts, commitlog.Dependencies{})
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.CheckSelf(); err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func recoverCommand() cli.Command {
	return cli.Command{
		Name:  "recover",
		Usage: "run recovery against a commit log directory and print the result",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "normal", Usage: "assume the previous process exited cleanly"},
		},
		Action: func(c *cli.Context) error {
			opts, err := loadOptions(c)
			if err != nil {
				return err
			}
			cl, err := commitlog.Open(opts, commitlog.Dependencies{})
			if err != nil {
				return err
			}
			defer cl.Close()

			result, err := cl.Recover(c.Bool("normal"), 0)
			if err != nil {
				return err
			}
			fmt.Printf("normal exit:     %v\n", result.Normal)
			fmt.Printf("segments scanned: %d\n", result.ScannedFiles)
			fmt.Printf("valid offset:    %d\n", result.ValidPhysicalOffset)
			fmt.Printf("truncated:       %v\n", result.Truncated)
			fmt.Printf("duration:        %s\n", result.Duration)
			return nil
		},
	}
}

func appendCommand() cli.Command {
	return cli.Command{
		Name:      "append",
		Usage:     "append one message to a topic/queue for manual testing",
		ArgsUsage: "<topic> <queueID> <body>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.NewExitError("usage: driftlogctl append <topic> <queueID> <body>", 1)
			}
			opts, err := loadOptions(c)
			if err != nil {
				return err
			}
			cl, err := commitlog.Open(opts, commitlog.Dependencies{})
			if err != nil {
				return err
			}
			defer cl.Close()

			var queueID int
			if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &queueID); err != nil {
				return cli.NewExitError("invalid queueID", 1)
			}
			msg := commitlog.NewBrokerInner(
				c.Args().Get(0), int32(queueID), []byte(c.Args().Get(2)),
				net.IPv4(127, 0, 0, 1), net.IPv4(127, 0, 0, 1), 0, 0,
			)
			status := cl.PutMessage("driftlogctl", msg)
			fmt.Printf("status: %s\n", status)
			fmt.Printf("physical offset: %d\n", msg.PhysicalOffset)
			return nil
		},
	}
}
