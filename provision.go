package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/netplumb/netplumb/libplumb"
)

var provisionCommand = cli.Command{
	Name:  "provision",
	Usage: "create and wire the network namespace for a container",
	ArgsUsage: `<container-id>

Where "<container-id>" is the name for the instance of the container whose
network is being provisioned. The name must be unique on the host.`,
	Description: `The provision command creates a network namespace for the
container, connects it to the given bridge with a veth pair, leases an
address from the configured subnet and installs nat rules for every
published port. On success the leased address is printed on stdout.

If any step fails, everything applied so far is rolled back before the
error is returned.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "bridge",
			Usage: "host bridge the container is attached to (must exist)",
		},
		cli.StringSliceFlag{
			Name:  "publish, p",
			Usage: "publish a container port on the host as 'hostPort:containerPort[/proto]' (may be repeated)",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 1, exactArgs); err != nil {
			return err
		}
		if err := requireNetAdmin(); err != nil {
			return err
		}
		ports, err := parsePublishFlags(context.StringSlice("publish"))
		if err != nil {
			return err
		}
		p, err := provisionerFromContext(context)
		if err != nil {
			return err
		}
		result, err := p.Provision(background(), libplumb.Request{
			ID:     context.Args().First(),
			Bridge: context.String("bridge"),
			Ports:  ports,
		})
		if err != nil {
			return err
		}
		fmt.Println(result.Address)
		return nil
	},
}

func parsePublishFlags(specs []string) ([]libplumb.PortMapping, error) {
	var ports []libplumb.PortMapping
	for _, spec := range specs {
		m, err := parsePortMapping(spec)
		if err != nil {
			return nil, err
		}
		ports = append(ports, m)
	}
	return ports, nil
}

// parsePortMapping parses a single --publish value of the form
// hostPort:containerPort[/proto]. The protocol defaults to tcp.
func parsePortMapping(spec string) (libplumb.PortMapping, error) {
	var m libplumb.PortMapping

	portPart := spec
	m.Protocol = "tcp"
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		portPart = spec[:i]
		m.Protocol = strings.ToLower(spec[i+1:])
	}
	switch m.Protocol {
	case "tcp", "udp":
	default:
		return m, fmt.Errorf("invalid protocol in %q (want tcp or udp)", spec)
	}

	host, ctr, ok := strings.Cut(portPart, ":")
	if !ok {
		return m, fmt.Errorf("invalid port mapping %q (want hostPort:containerPort[/proto])", spec)
	}
	hostPort, err := strconv.Atoi(host)
	if err != nil {
		return m, fmt.Errorf("invalid host port in %q: %w", spec, err)
	}
	ctrPort, err := strconv.Atoi(ctr)
	if err != nil {
		return m, fmt.Errorf("invalid container port in %q: %w", spec, err)
	}
	if hostPort < 1 || hostPort > 65535 || ctrPort < 1 || ctrPort > 65535 {
		return m, fmt.Errorf("port out of range in %q", spec)
	}
	m.HostPort = hostPort
	m.ContainerPort = ctrPort
	return m, nil
}
