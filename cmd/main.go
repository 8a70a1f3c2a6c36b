// cmd/main.go

package main

import (
	"fmt"
	"os"

	"Kerf/pkg/utils"
	"Kerf/pkg/version"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = utils.GetLogger("kerf")

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
	}
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print only the version",
	}
	app := &cli.App{
		Name:                 "kerf",
		Usage:                "carve deleted artifacts out of raw evidence images",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			scanFlags(),
			probeFlags(),
			{
				Name:  "version",
				Usage: "show version",
				Action: func(*cli.Context) error {
					fmt.Println("kerf", version.Version())
					return nil
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		logger.Fatalf("%s", err)
	}
}
