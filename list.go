package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/netplumb/netplumb/libplumb"
)

var listCommand = cli.Command{
	Name:      "list",
	Usage:     "lists containers provisioned by netplumb with the given root",
	ArgsUsage: "",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "display only container IDs",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		p, err := provisionerFromContext(context)
		if err != nil {
			return err
		}
		states, err := p.List()
		if err != nil {
			return err
		}

		if context.Bool("quiet") {
			for _, s := range states {
				fmt.Println(s.ID)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
		fmt.Fprint(w, "ID\tADDRESS\tBRIDGE\tPORTS\tCREATED\n")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Address,
				s.Bridge,
				formatPorts(s.Ports),
				units.HumanDuration(time.Now().UTC().Sub(s.Created))+" ago")
		}
		return w.Flush()
	},
}

func formatPorts(ports []libplumb.PortMapping) string {
	if len(ports) == 0 {
		return "-"
	}
	out := make([]string, len(ports))
	for i, m := range ports {
		out[i] = fmt.Sprintf("%d->%d/%s", m.HostPort, m.ContainerPort, m.Protocol)
	}
	return strings.Join(out, ",")
}
