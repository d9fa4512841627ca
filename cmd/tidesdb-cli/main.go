package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"example.com/tidesdb/pkg/lsm"
)

func main() {
	app := &cli.Command{
		Name:  "tidesdb-cli",
		Usage: "manual administration tool for a tidesdb database directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db",
				Usage:    "path to the database directory",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "create-cf",
				Usage:     "create a column family",
				ArgsUsage: "name flush-threshold max-level probability",
				Action:    createCF,
			},
			{
				Name:      "put",
				Usage:     "write a key/value pair",
				ArgsUsage: "cf key value [ttl]",
				Action:    put,
			},
			{
				Name:      "get",
				Usage:     "read a value by key",
				ArgsUsage: "cf key",
				Action:    get,
			},
			{
				Name:      "delete",
				Usage:     "tombstone a key",
				ArgsUsage: "cf key",
				Action:    del,
			},
			{
				Name:      "compact",
				Usage:     "run compaction against a column family",
				ArgsUsage: "cf [max-threads]",
				Action:    compact,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDB(cmd *cli.Command) (*lsm.DB, error) {
	dbPath := cmd.String("db")
	if dbPath == "" {
		return nil, errors.New("--db is required")
	}
	db, err := lsm.Open(lsm.Config{DBPath: dbPath})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createCF(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 4 {
		return errors.New("usage: create-cf name flush-threshold max-level probability")
	}
	threshold, err := strconv.ParseInt(args.Get(1), 10, 32)
	if err != nil {
		return fmt.Errorf("flush-threshold: %w", err)
	}
	maxLevel, err := strconv.ParseInt(args.Get(2), 10, 32)
	if err != nil {
		return fmt.Errorf("max-level: %w", err)
	}
	probability, err := strconv.ParseFloat(args.Get(3), 32)
	if err != nil {
		return fmt.Errorf("probability: %w", err)
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg := lsm.CFConfig{
		Name:           args.Get(0),
		FlushThreshold: int32(threshold),
		MaxLevel:       int32(maxLevel),
		Probability:    float32(probability),
	}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		return cerr
	}
	fmt.Println("created column family", cfg.Name)
	return nil
}

func put(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 3 && args.Len() != 4 {
		return errors.New("usage: put cf key value [ttl]")
	}
	ttl := lsm.NoExpiry
	if args.Len() == 4 {
		parsed, err := strconv.ParseInt(args.Get(3), 10, 64)
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		ttl = parsed
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if perr := db.Put(args.Get(0), []byte(args.Get(1)), []byte(args.Get(2)), ttl); perr != nil {
		return perr
	}
	return nil
}

func get(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 2 {
		return errors.New("usage: get cf key")
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	value, gerr := db.Get(args.Get(0), []byte(args.Get(1)))
	if gerr != nil {
		return gerr
	}
	fmt.Println(string(value))
	return nil
}

func del(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 2 {
		return errors.New("usage: delete cf key")
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if derr := db.Delete(args.Get(0), []byte(args.Get(1))); derr != nil {
		return derr
	}
	return nil
}

func compact(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 1 && args.Len() != 2 {
		return errors.New("usage: compact cf [max-threads]")
	}
	maxThreads := 4
	if args.Len() == 2 {
		parsed, err := strconv.Atoi(args.Get(1))
		if err != nil {
			return fmt.Errorf("max-threads: %w", err)
		}
		maxThreads = parsed
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if cerr := db.CompactSSTables(args.Get(0), maxThreads); cerr != nil {
		return cerr
	}
	fmt.Println("compaction complete")
	return nil
}
