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

package tracing

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/holisticode/crawlqueue/log"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	// Enabled turns tracing on for the process. Set via the cli flag.
	Enabled bool

	// TracingEnabledFlag is the cli flag name.
	TracingEnabledFlag = "tracing"
)

var (
	Closer io.Closer

	TracingFlag = cli.BoolFlag{
		Name:  TracingEnabledFlag,
		Usage: "Enable tracing",
	}
	TracingEndpointFlag = cli.StringFlag{
		Name:  "tracing.endpoint",
		Usage: "Tracing endpoint",
		Value: "0.0.0.0:6831",
	}
	TracingSvcFlag = cli.StringFlag{
		Name:  "tracing.svc",
		Usage: "Tracing service name",
		Value: "crawlqueue",
	}
)

// Flags holds all tracing cli flags.
var Flags = []cli.Flag{
	TracingFlag,
	TracingEndpointFlag,
	TracingSvcFlag,
}

// The tracing flag is checked ahead of normal cli parsing so that spans
// created during startup are not lost.
func init() {
	for _, arg := range os.Args {
		if flag := strings.TrimLeft(arg, "-"); flag == TracingEnabledFlag {
			Enabled = true
		}
	}
}

// Setup initializes the global jaeger tracer from cli context values.
func Setup(ctx *cli.Context) {
	if ctx.GlobalBool(TracingEnabledFlag) {
		Enabled = true
		Closer = initTracer(ctx.GlobalString(TracingEndpointFlag.Name), ctx.GlobalString(TracingSvcFlag.Name))
	}
}

func initTracer(endpoint, svc string) (closer io.Closer) {
	cfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:            true,
			BufferFlushInterval: 1 * time.Second,
			LocalAgentHostPort:  endpoint,
		},
	}

	closer, err := cfg.InitGlobalTracer(svc)
	if err != nil {
		log.Error("Could not initialize Jaeger tracer", "err", err)
	}

	return closer
}
