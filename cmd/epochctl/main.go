package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/sirupsen/logrus"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochmgr"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/flags"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/integration"
	"github.com/wkarshat/nearcore/shardlayout"
	"github.com/wkarshat/nearcore/store/leveldbstore"
	"github.com/wkarshat/nearcore/telemetry"
)

func main() {
	app := flags.NewApp("inspect and bootstrap an Epoch Manager store")
	app.Flags = flags.CommonFlags()
	app.Commands = []cli.Command{
		{
			Name:   "bootstrap",
			Usage:  "seed a fresh store with a genesis validator set",
			Action: bootstrapCmd,
		},
		{
			Name:   "tip",
			Usage:  "print the current tip hash",
			Action: tipCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "epochctl:", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *logrus.Logger {
	log := logrus.New()
	if c.GlobalString("log.format") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{ForceColors: c.GlobalBool("log.color")})
	}
	// log.verbosity counts from 0=fatal; logrus levels count from 0=panic.
	log.SetLevel(logrus.Level(c.GlobalInt("log.verbosity") + 1))

	teardown, err := telemetry.InstallSentry(log, c.GlobalString("sentry.dsn"))
	if err != nil {
		log.WithError(err).Warn("sentry disabled")
	} else {
		defer teardown()
	}
	return log
}

func openManager(c *cli.Context) (*epochmgr.Manager, error) {
	cfgResolver, err := integration.NewResolver(c.GlobalString("preset"))
	if err != nil {
		return nil, err
	}

	layouts := make([]shardlayout.Layout, 0, len(cfgResolver.Versions()))
	for _, v := range cfgResolver.Versions() {
		layouts = append(layouts, cfgResolver.ForVersion(v).ShardLayout)
	}
	shards := shardlayout.NewRegistry(layouts...)

	db, err := leveldbstore.Open(c.GlobalString("datadir"))
	if err != nil {
		return nil, err
	}

	log := logrus.NewEntry(newLogger(c))
	return epochmgr.New(db, cfgResolver, shards, log), nil
}

func bootstrapCmd(c *cli.Context) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}

	cfg := epochconfig.FakenetConfig()
	validators := []epochproc.ValidatorInfo{
		{Account: "validator0.near", Stake: big.NewInt(100_000)},
		{Account: "validator1.near", Stake: big.NewInt(100_000)},
	}

	info, err := m.Bootstrap(validators, cfg.ProtocolVersion, [32]byte{}, big.NewInt(1_000_000_000), inter.Timestamp(0))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	fmt.Printf("bootstrapped genesis epoch with %d validators, %d fishermen\n", len(info.Validators), len(info.Fishermen))
	return nil
}

func tipCmd(c *cli.Context) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}
	tip := m.Tip()
	fmt.Printf("tip: %x\n", tip)
	return nil
}
