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

package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	"github.com/holisticode/crawlqueue/log"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	// MetricsEnabledFlag turns collection on. The go-ethereum metrics
	// package picks the flag up from os.Args during init, before cli
	// parsing runs.
	MetricsEnabledFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and reporting",
	}
	MetricsEnableInfluxDBExportFlag = cli.BoolFlag{
		Name:  "metrics.influxdb.export",
		Usage: "Enable metrics export/push to an external InfluxDB database",
	}
	MetricsInfluxDBEndpointFlag = cli.StringFlag{
		Name:  "metrics.influxdb.endpoint",
		Usage: "Metrics InfluxDB endpoint",
		Value: "http://127.0.0.1:8086",
	}
	MetricsInfluxDBDatabaseFlag = cli.StringFlag{
		Name:  "metrics.influxdb.database",
		Usage: "Metrics InfluxDB database",
		Value: "metrics",
	}
	MetricsInfluxDBUsernameFlag = cli.StringFlag{
		Name:  "metrics.influxdb.username",
		Usage: "Metrics InfluxDB username",
		Value: "",
	}
	MetricsInfluxDBPasswordFlag = cli.StringFlag{
		Name:  "metrics.influxdb.password",
		Usage: "Metrics InfluxDB password",
		Value: "",
	}
	MetricsInfluxDBTagsFlag = cli.StringFlag{
		Name:  "metrics.influxdb.tags",
		Usage: "Comma-separated InfluxDB tags (key/values) attached to all measurements",
		Value: "host=localhost",
	}
)

// Flags holds all metrics cli flags.
var Flags = []cli.Flag{
	MetricsEnabledFlag,
	MetricsEnableInfluxDBExportFlag,
	MetricsInfluxDBEndpointFlag,
	MetricsInfluxDBDatabaseFlag,
	MetricsInfluxDBUsernameFlag,
	MetricsInfluxDBPasswordFlag,
	MetricsInfluxDBTagsFlag,
}

type Options struct {
	Endpoint      string
	Database      string
	Username      string
	Password      string
	EnableExport  bool
	DataDirectory string
	InfluxDBTags  string
}

// OptionsFromContext builds metrics options out of parsed cli flags.
func OptionsFromContext(ctx *cli.Context, dataDir string) Options {
	return Options{
		Endpoint:      ctx.GlobalString(MetricsInfluxDBEndpointFlag.Name),
		Database:      ctx.GlobalString(MetricsInfluxDBDatabaseFlag.Name),
		Username:      ctx.GlobalString(MetricsInfluxDBUsernameFlag.Name),
		Password:      ctx.GlobalString(MetricsInfluxDBPasswordFlag.Name),
		EnableExport:  ctx.GlobalBool(MetricsEnableInfluxDBExportFlag.Name),
		DataDirectory: dataDir,
		InfluxDBTags:  ctx.GlobalString(MetricsInfluxDBTagsFlag.Name),
	}
}

func Setup(o Options) {
	if metrics.Enabled {
		log.Info("Enabling crawlqueue metrics collection")

		// Start system runtime metrics collection
		go metrics.CollectProcessMetrics(4 * time.Second)

		// Gauge how much disk the storage root occupies
		go storageDiskUsage(o.DataDirectory, 4*time.Second)

		if o.EnableExport {
			log.Info("Enabling crawlqueue metrics export to InfluxDB")
			go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, 10*time.Second, o.Endpoint, o.Database, o.Username, o.Password, "crawlqueue.", splitTagsFlag(o.InfluxDBTags))
		}
	}
}

// splitTagsFlag parses "key1=value1,key2=value2" tag lists, skipping
// malformed entries.
func splitTagsFlag(tagsFlag string) map[string]string {
	tags := strings.Split(tagsFlag, ",")
	tagsMap := map[string]string{}

	for _, t := range tags {
		if t != "" {
			kv := strings.Split(t, "=")

			if len(kv) == 2 {
				tagsMap[kv[0]] = kv[1]
			}
		}
	}

	return tagsMap
}

// storageDiskUsage updates the storage/disk/usage gauge every interval
// with the total size of the emulator root. Request queues are many small
// JSON files, so the walk stays cheap.
func storageDiskUsage(root string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		size, err := storageSize(root)
		if err != nil {
			log.Trace("cannot measure storage size", "root", root, "err", err)
			continue
		}
		metrics.GetOrRegisterGauge("storage/disk/usage", nil).Update(size)
	}
}

// storageSize sums the regular files under root.
func storageSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
