package main

import (
	"context"
	"os"

	"github.com/tendermint/chainsync/cmd/chainsync/commands"
	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/cli"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}
	tmos.TrapSignal(logger, cancel)

	rcmd := commands.RootCommand(conf, &logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, &logger),
		commands.MakeInspectCommand(conf),
		commands.MakeResetCommand(conf, &logger),
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}
