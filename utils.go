package main

import (
	stdctx "context"
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"github.com/urfave/cli"

	"github.com/netplumb/netplumb/libplumb"
)

const (
	exactArgs = iota
	minArgs
	maxArgs
)

func checkArgs(context *cli.Context, expected, checkType int) error {
	var err error
	cmdName := context.Command.Name
	switch checkType {
	case exactArgs:
		if context.NArg() != expected {
			err = fmt.Errorf("%s: %q requires exactly %d argument(s)", os.Args[0], cmdName, expected)
		}
	case minArgs:
		if context.NArg() < expected {
			err = fmt.Errorf("%s: %q requires a minimum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	case maxArgs:
		if context.NArg() > expected {
			err = fmt.Errorf("%s: %q requires a maximum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	}

	if err != nil {
		fmt.Printf("Incorrect Usage.\n\n")
		_ = cli.ShowCommandHelp(context, cmdName)
		return err
	}
	return nil
}

// fatal prints the error's details then exits.
func fatal(err error) {
	// Make sure the error is written to the logger.
	logrus.Error(err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// background returns the base context for command actions, which shadow
// the stdlib context package with their *cli.Context argument.
func background() stdctx.Context {
	return stdctx.Background()
}

// requireNetAdmin fails early when the process cannot manipulate network
// interfaces or nat rules, instead of surfacing EPERM halfway through a
// provisioning sequence.
func requireNetAdmin() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_NET_ADMIN) ||
		!caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN) {
		return errors.New("netplumb needs CAP_NET_ADMIN and CAP_SYS_ADMIN (try running as root)")
	}
	if userns.RunningInUserNS() {
		logrus.Warn("running inside a user namespace; kernel operations may still be refused")
	}
	return nil
}

func provisionerFromContext(context *cli.Context) (*libplumb.Provisioner, error) {
	return libplumb.New(libplumb.Config{
		Root:         context.GlobalString("root"),
		NamespaceDir: context.GlobalString("netns-dir"),
		DataDir:      context.GlobalString("data-dir"),
		Subnet:       context.GlobalString("subnet"),
		Gateway:      context.GlobalString("gateway"),
		MTU:          context.GlobalInt("mtu"),
		TxQueueLen:   context.GlobalInt("txqueuelen"),
		OpTimeout:    context.GlobalDuration("timeout"),
	})
}
