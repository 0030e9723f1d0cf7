// Package main provides the offline companion for desktop platforms.
// The consult web app is served through the caching proxy on localhost:8090,
// next to the /offline REST endpoints and the /ws event stream.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/psconsult/offline/internal/config"
	"github.com/psconsult/offline/internal/logging"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "psconsult-offline"
	app.Usage = "offline sync companion for the PS Consult web app"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr
	app.Metadata = make(map[string]interface{})

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "",
			Usage: " read configuration from `FILE` [built-in defaults]",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Value: "",
			Usage: " override the configured log `LEVEL`",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the caching proxy, the REST endpoints and the sync dispatcher",
			Action: runServe,
		},
		{
			Name:   "sync",
			Usage:  "run one reconciliation pass and print its counts",
			Action: runSync,
		},
		{
			Name:      "enqueue",
			Usage:     "store a consult submission for the next pass",
			ArgsUsage: "*`FILE` containing a JSON object, - for stdin",
			Action:    runEnqueue,
		},
		{
			Name:  "pending",
			Usage: "list submissions in one state",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "status, s",
					Value: "pending",
					Usage: " submission `STATE` [pending|synced|failed]",
				},
			},
			Action: runPending,
		},
		{
			Name:      "requeue",
			Usage:     "return a failed submission to the queue",
			ArgsUsage: "*`LOCAL-ID`",
			Action:    runRequeue,
		},
		{
			Name:  "sweep",
			Usage: "delete synced submissions past retention",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "days, d",
					Value: 0,
					Usage: " retention in `DAYS` [configured retention]",
				},
			},
			Action: runSweep,
		},
		{
			Name:   "refresh",
			Usage:  "reload the consult and schedule read cache",
			Action: runRefresh,
		},
		{
			Name:   "precache",
			Usage:  "install the app shell for the configured build and drop older caches",
			Action: runPrecache,
		},
		{
			Name:   "stats",
			Usage:  "print submission counts",
			Action: runStats,
		},
		{
			Name:  "log",
			Usage: "print recent sync activity",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, n",
					Value: 20,
					Usage: " number of `ENTRIES`",
				},
			},
			Action: runLog,
		},
	}

	app.Before = func(c *cli.Context) error {
		cfg, err := config.Load(c.GlobalString("config"))
		if err != nil {
			return err
		}
		if level := c.GlobalString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logging.Init(c.App.ErrWriter, level)

		c.App.Metadata["config"] = cfg
		return nil
	}

	return app
}
