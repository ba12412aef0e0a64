// Package main - securesync node command line
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alwitt/securesync"
	"github.com/alwitt/securesync/config"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/docopt/docopt-go"
	"gorm.io/gorm/logger"
)

const usage = `securesync node.

Usage:
    securesync init [--config=<file>] [--verbose]
    securesync serve [--config=<file>] [--verbose]
    securesync sync [--config=<file>] [--verbose]
    securesync register [--config=<file>] [--verbose]
        --username=<username> --password=<password> --zone=<zone_id>
    securesync create-user [--config=<file>] [--verbose]
        --username=<username> --password=<password> [--superuser]
    securesync create-org [--config=<file>] [--verbose] --name=<name> --owner=<username>
    securesync create-zone [--config=<file>] [--verbose] --name=<name>
        [--description=<description>] [--org=<org_id>]
    securesync revoke [--config=<file>] [--verbose] --device=<device_id> --zone=<zone_id>
    securesync purge-zone [--config=<file>] [--verbose] --zone=<zone_id>
    securesync stats [--config=<file>] [--verbose]

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    --config=<file>                 Config file [default: securesync.yaml].
    --verbose                       Debug logging.
    --username=<username>           Aggregator user.
    --password=<password>           Aggregator user password.
    --zone=<zone_id>                Zone ID.
    --superuser                     User may use every zone.
    --name=<name>                   Display name.
    --owner=<username>              Organization owner.
    --description=<description>     Zone description.
    --org=<org_id>                  Owning organization, the unclaimed networks by default.
    --device=<device_id>            Device ID.`

type command func(ctx context.Context, node *securesync.Node, opts docopt.Opts) error

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], securesync.Version)
	if err != nil {
		panic(err)
	}

	log.SetLevel(log.InfoLevel)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	commands := map[string]command{
		"init":        initNode,
		"serve":       serve,
		"sync":        syncOnce,
		"register":    register,
		"create-user": createUser,
		"create-org":  createOrg,
		"create-zone": createZone,
		"revoke":      revoke,
		"purge-zone":  purgeZone,
		"stats":       stats,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile, _ := opts.String("--config")
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.WithError(err).WithField("config", configFile).Fatal("Failed to load config")
	}
	node, err := securesync.NewNode(ctx, cfg, logger.Error)
	if err != nil {
		log.WithError(err).Fatal("Failed to start node")
	}
	defer node.Stop()

	for name, run := range commands {
		if selected, _ := opts.Bool(name); selected {
			if err := run(ctx, node, opts); err != nil {
				log.WithError(err).Fatalf("%s failed", name)
			}
			return
		}
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func initNode(_ context.Context, node *securesync.Node, _ docopt.Opts) error {
	fmt.Printf("Device: %s\n", node.Signer.DeviceID())
	fmt.Printf("Role: %s\n", node.Config.Node.Role)
	return nil
}

func serve(ctx context.Context, node *securesync.Node, _ docopt.Opts) error {
	return node.Serve(ctx)
}

func syncOnce(ctx context.Context, node *securesync.Node, _ docopt.Opts) error {
	summary, err := node.Sync(ctx)
	fmt.Printf("Total uploaded: %d\n", summary.Uploaded)
	fmt.Printf("Total downloaded: %d\n", summary.Downloaded)
	fmt.Printf("Total errors: %d\n", summary.Errors)
	for _, rejected := range summary.Rejected {
		fmt.Printf("Rejected %s: %s %s\n", rejected.ID, rejected.Code, rejected.Reason)
	}
	return err
}

func register(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	username, _ := opts.String("--username")
	password, _ := opts.String("--password")
	zoneID, _ := opts.String("--zone")
	params, err := node.Register(ctx, username, password, zoneID)
	if err != nil {
		return err
	}
	return printJSON(params)
}

func createUser(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	if node.Users == nil {
		return fmt.Errorf("users are managed on the aggregator")
	}
	username, _ := opts.String("--username")
	password, _ := opts.String("--password")
	superuser, _ := opts.Bool("--superuser")
	user, err := node.Users.Create(ctx, username, password, superuser)
	if err != nil {
		return err
	}
	return printJSON(user)
}

func createOrg(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	if node.Organizations == nil {
		return fmt.Errorf("organizations are managed on the aggregator")
	}
	name, _ := opts.String("--name")
	ownerName, _ := opts.String("--owner")

	var org models.Organization
	err := node.Persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			owner, err := dbClient.GetUserByUsername(dbCtx, ownerName)
			if err != nil {
				return err
			}
			org, err = node.Organizations.Create(dbCtx, name, owner, dbClient)
			return err
		},
	)
	if err != nil {
		return err
	}
	return printJSON(org)
}

func createZone(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	name, _ := opts.String("--name")
	description, _ := opts.String("--description")
	orgID, _ := opts.String("--org")
	zone, err := node.CreateZone(ctx, name, description, orgID)
	if err != nil {
		return err
	}
	return printJSON(zone)
}

func revoke(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	deviceID, _ := opts.String("--device")
	zoneID, _ := opts.String("--zone")
	membership, err := node.Graph.Revoke(ctx, deviceID, zoneID, nil)
	if err != nil {
		return err
	}
	return printJSON(membership)
}

func purgeZone(ctx context.Context, node *securesync.Node, opts docopt.Opts) error {
	zoneID, _ := opts.String("--zone")
	removed, err := node.Graph.PurgeZoneMemberships(ctx, zoneID, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Memberships removed: %d\n", removed)
	return nil
}

func stats(ctx context.Context, node *securesync.Node, _ docopt.Opts) error {
	counts, err := node.Statistics(ctx)
	if err != nil {
		return err
	}
	return printJSON(counts)
}
