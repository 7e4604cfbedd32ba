package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = logrus.New()

func main() {
	app := &cli.App{
		Name:  "walletctl",
		Usage: "manage relayer wallets and client tokens",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "config",
				Usage: "config file name without extension",
			},
		},
		Commands: []*cli.Command{
			cmdImportKey,
			cmdRegisterAWS,
			cmdRegisterGCP,
			cmdRegisterSmartAccount,
			cmdList,
			cmdResync,
			cmdToken,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}
