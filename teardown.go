package main

import "github.com/urfave/cli"

var teardownCommand = cli.Command{
	Name:  "teardown",
	Usage: "release every network resource held by a container",
	ArgsUsage: `<container-id>

Where "<container-id>" is the name for the instance of the container whose
network is being torn down.`,
	Description: `The teardown command removes the container's nat rules,
detaches its veth pair, releases its address lease and destroys its
network namespace. Shared rules stay in place while other containers on
the same subnet still need them.

Teardown of an unknown container is not an error: any stray resources
matching the id are swept up and success is returned, so the command is
safe to retry after a partial failure or a daemon crash.`,
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 1, exactArgs); err != nil {
			return err
		}
		if err := requireNetAdmin(); err != nil {
			return err
		}
		p, err := provisionerFromContext(context)
		if err != nil {
			return err
		}
		return p.Teardown(background(), context.Args().First())
	},
}
