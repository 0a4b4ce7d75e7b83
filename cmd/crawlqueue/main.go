// Copyright 2020 The Crawlqueue Authors
// This file is part of the Crawlqueue library.
//
// The Crawlqueue library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Crawlqueue library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Crawlqueue library. If not, see <http://www.gnu.org/licenses/>.

// crawlqueue is the command line interface to the crawl request queues,
// local or on the platform.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/holisticode/crawlqueue/api"
	"github.com/holisticode/crawlqueue/log"
	"github.com/holisticode/crawlqueue/metrics"
	"github.com/holisticode/crawlqueue/storage"
	"github.com/holisticode/crawlqueue/tracing"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	cli "gopkg.in/urfave/cli.v1"
)

var gitCommit string // set via linker flags

var (
	storageDirFlag = cli.StringFlag{
		Name:  "storage-dir",
		Usage: "Directory of the local storage emulator",
		Value: api.DefaultLocalStorageDir,
	}
	tokenFlag = cli.StringFlag{
		Name:   "token",
		Usage:  "Platform API token",
		EnvVar: "CRAWLQUEUE_TOKEN",
	}
	endpointFlag = cli.StringFlag{
		Name:  "api-endpoint",
		Usage: "Platform API endpoint",
	}
	queueFlag = cli.StringFlag{
		Name:  "queue",
		Usage: "Name of the request queue to operate on (default queue when empty)",
	}
	queueIDFlag = cli.StringFlag{
		Name:  "queue-id",
		Usage: "Id of the request queue to operate on",
	}
	forceCloudFlag = cli.BoolFlag{
		Name:  "force-cloud",
		Usage: "Use platform storage even though local storage is configured",
	}
	noPersistFlag = cli.BoolFlag{
		Name:  "no-persist",
		Usage: "Keep local storage in memory only",
	}
	forefrontFlag = cli.BoolFlag{
		Name:  "forefront",
		Usage: "Add requests to the forefront of the queue",
	}
	limitFlag = cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of requests to list",
		Value: 20,
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "crawlqueue"
	app.Usage = "manage crawl request queues"
	app.Version = "0.1.0"
	if gitCommit != "" {
		app.Version += "-" + gitCommit[:8]
	}

	app.Flags = []cli.Flag{
		storageDirFlag,
		tokenFlag,
		endpointFlag,
		queueFlag,
		queueIDFlag,
		forceCloudFlag,
		noPersistFlag,
		verbosityFlag,
		configFileFlag,
	}
	app.Flags = append(app.Flags, metrics.Flags...)
	app.Flags = append(app.Flags, tracing.Flags...)

	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx)
		tracing.Setup(ctx)
		if gethmetrics.Enabled {
			metrics.Setup(metrics.OptionsFromContext(ctx, ctx.GlobalString(storageDirFlag.Name)))
		}
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		if tracing.Closer != nil {
			return tracing.Closer.Close()
		}
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:      "add",
			Usage:     "enqueue one or more urls",
			ArgsUsage: "<url> [<url>...]",
			Flags:     []cli.Flag{forefrontFlag},
			Action:    addURLs,
		},
		{
			Name:   "head",
			Usage:  "list the beginning of the queue",
			Flags:  []cli.Flag{limitFlag},
			Action: listHead,
		},
		{
			Name:   "stats",
			Usage:  "print queue state as json",
			Action: queueStats,
		},
		{
			Name:   "purge",
			Usage:  "empty the default local queue and key-value store (INPUT records survive)",
			Action: purgeDefaults,
		},
		{
			Name:   "dumpconfig",
			Usage:  "print the effective configuration as TOML",
			Action: dumpConfig,
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	output := io.Writer(os.Stderr)
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	handler := log.StreamHandler(output, log.TerminalFormat(usecolor))
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(ctx.GlobalInt(verbosityFlag.Name)), handler))
}

func openOptions(ctx *cli.Context) api.OpenOptions {
	return api.OpenOptions{
		ID:         ctx.GlobalString(queueIDFlag.Name),
		Name:       ctx.GlobalString(queueFlag.Name),
		ForceCloud: ctx.GlobalBool(forceCloudFlag.Name),
	}
}

func addURLs(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.NewExitError("at least one url is required", 1)
	}
	manager, err := newManager(ctx)
	if err != nil {
		return err
	}
	q, err := manager.OpenRequestQueue(context.Background(), openOptions(ctx))
	if err != nil {
		return err
	}
	forefront := ctx.Bool(forefrontFlag.Name)
	if ctx.NArg() == 1 {
		info, err := q.Add(context.Background(), &storage.Request{URL: ctx.Args().First()}, forefront)
		if err != nil {
			return err
		}
		printAdded(info, ctx.Args().First())
		return nil
	}

	requests := make([]*storage.Request, 0, ctx.NArg())
	for _, rawURL := range ctx.Args() {
		requests = append(requests, &storage.Request{URL: rawURL})
	}
	batch, err := q.AddBatch(context.Background(), requests, forefront)
	if err != nil {
		return err
	}
	for _, info := range batch.ProcessedRequests {
		printAdded(info, info.UniqueKey)
	}
	for _, failed := range batch.UnprocessedRequests {
		fmt.Printf("failed  %s\n", failed.URL)
	}
	if len(batch.UnprocessedRequests) > 0 {
		return cli.NewExitError(fmt.Sprintf("%d requests were not enqueued", len(batch.UnprocessedRequests)), 1)
	}
	return nil
}

func printAdded(info *storage.QueueOperationInfo, label string) {
	status := "added"
	if info.WasAlreadyPresent {
		status = "already present"
	}
	fmt.Printf("%s  %s  (%s)\n", info.RequestID, label, status)
}

func listHead(ctx *cli.Context) error {
	manager, err := newManager(ctx)
	if err != nil {
		return err
	}
	inspector := api.NewInspector(manager)
	head, err := inspector.Head(context.Background(), openOptions(ctx), ctx.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	for _, item := range head.Items {
		fmt.Printf("%s  %s\n", item.ID, item.URL)
	}
	log.Info("Listed queue head", "items", len(head.Items), "modified", head.QueueModifiedAt, "multipleClients", head.HadMultipleClients)
	return nil
}

func queueStats(ctx *cli.Context) error {
	manager, err := newManager(ctx)
	if err != nil {
		return err
	}
	inspector := api.NewInspector(manager)
	out, err := inspector.RequestQueueJSON(context.Background(), openOptions(ctx))
	if err != nil {
		return err
	}
	fmt.Println(out)

	counts, err := json.MarshalIndent(inspector.OperationCounts(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(counts))
	return nil
}

func purgeDefaults(ctx *cli.Context) error {
	manager, err := newManager(ctx)
	if err != nil {
		return err
	}
	if err := manager.PurgeDefaults(); err != nil {
		return err
	}
	log.Info("Purged default storages")
	return nil
}
