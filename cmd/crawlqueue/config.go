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

package main

import (
	"fmt"
	"os"

	"github.com/holisticode/crawlqueue/api"
	"github.com/naoina/toml"
	cli "gopkg.in/urfave/cli.v1"
)

// buildConfig assembles the effective configuration: defaults, then the
// TOML file, then command line flags.
func buildConfig(ctx *cli.Context) (*api.Config, error) {
	cfg := api.NewConfig()

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("cannot open config file: %v", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("cannot decode config file %s: %v", file, err)
		}
	}

	if ctx.GlobalIsSet(storageDirFlag.Name) || cfg.LocalStorageDir == "" {
		cfg.LocalStorageDir = ctx.GlobalString(storageDirFlag.Name)
	}
	if ctx.GlobalIsSet(tokenFlag.Name) {
		cfg.Token = ctx.GlobalString(tokenFlag.Name)
	}
	if ctx.GlobalIsSet(endpointFlag.Name) {
		cfg.APIBaseURL = ctx.GlobalString(endpointFlag.Name)
	}
	if ctx.GlobalBool(forceCloudFlag.Name) {
		cfg.ForceCloud = true
	}
	if ctx.GlobalBool(noPersistFlag.Name) {
		cfg.PersistStorage = false
	}
	return cfg, nil
}

func newManager(ctx *cli.Context) (*api.Manager, error) {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewManager(cfg, nil)
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	out, err := toml.Marshal(*cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
