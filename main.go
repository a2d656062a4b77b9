package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/netplumb/netplumb/version"
)

const usage = `netplumb provisions container network namespaces

netplumb wires a container into host networking: it creates an isolated
network namespace, connects it to a bridge with a veth pair, leases an
address from the configured subnet, and installs the iptables NAT rules
for published ports and for outbound traffic. It is meant to be driven by
a container runtime on container start and stop:

    # netplumb provision --bridge plumb0 --publish 8080:80/tcp mycontainer
    # netplumb teardown mycontainer

Teardown releases every resource the provision call applied and is safe
to retry after a crash.`

func main() {
	app := cli.NewApp()
	app.Name = "netplumb"
	app.Usage = usage

	v := []string{version.Version}
	if version.GitCommit != "" {
		v = append(v, "commit: "+version.GitCommit)
	}
	v = append(v, "go: "+runtime.Version())
	app.Version = strings.Join(v, "\n")

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "set the log file to write netplumb logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
		cli.StringFlag{
			Name:  "root",
			Value: "/run/netplumb",
			Usage: "root directory for storage of container network state (this should be located in tmpfs)",
		},
		cli.StringFlag{
			Name:  "netns-dir",
			Usage: "directory namespace bind mounts are kept in (default is '<root>/ns')",
		},
		cli.StringFlag{
			Name:  "data-dir",
			Usage: "directory for the shared address lease store (empty keeps leases in memory)",
		},
		cli.StringFlag{
			Name:  "subnet",
			Value: "172.30.0.0/16",
			Usage: "subnet container addresses are leased from",
		},
		cli.StringFlag{
			Name:  "gateway",
			Usage: "gateway handed to containers (default is the first address of the subnet)",
		},
		cli.IntFlag{
			Name:  "mtu",
			Usage: "MTU for container interfaces (0 keeps the kernel default)",
		},
		cli.IntFlag{
			Name:  "txqueuelen",
			Usage: "transmit queue length for the veth pair (0 keeps the kernel default)",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "bound on each kernel-facing provisioning step",
		},
	}
	app.Commands = []cli.Command{
		listCommand,
		provisionCommand,
		stateCommand,
		teardownCommand,
	}
	app.Before = func(context *cli.Context) error {
		return configLogrus(context)
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func configLogrus(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch f := context.GlobalString("log-format"); f {
	case "", "text":
		// retain logrus's default.
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return fmt.Errorf("invalid log-format: %q", f)
	}

	if file := context.GlobalString("log"); file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	}
	return nil
}
