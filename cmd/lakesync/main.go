// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"

	"github.com/arrowarc/lakesync/pkg/common/config"
	"github.com/arrowarc/lakesync/pkg/pipeline"
)

const usage = `lakesync incremental ingestion.

Usage:
  lakesync sync --config=<file> --schema=<id> (--jsonl=<file> | --csv=<file> | --parquet=<file> | --ipc=<file> | --postgres | --fake=<rows>) [--job=<id>] [--reset] [--env=<file>]
  lakesync export --config=<file> --schema=<id> (--jsonl=<file> | --csv=<file> | --parquet=<file> | --ipc=<file> | --postgres | --fake=<rows>) [--job=<id>] [--reset] [--env=<file>]
  lakesync load --config=<file> [--env=<file>]
  lakesync reset --config=<file> --schema=<id> [--env=<file>]
  lakesync validate --config=<file> [--env=<file>]
  lakesync -h | --help

Source options:
  --jsonl=<file>     Read rows from a JSON lines file.
  --csv=<file>       Read rows from a CSV file.
  --parquet=<file>   Read record batches from a parquet file.
  --ipc=<file>       Read record batches from an Arrow IPC stream.
  --postgres         Read the table declared in the schema's postgres block.
  --fake=<rows>      Generate this many fake user rows.

Options:
  -h --help          Show this screen.
  --config=<file>    Path to the lakesync configuration file.
  --schema=<id>      Schema to sync, as declared in the configuration.
  --job=<id>         Job id. Passing the id of an interrupted job resumes it.
  --reset            Rebuild the table from scratch.
  --env=<file>       Environment file loaded before the configuration [default: .env].
`

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatalf("Error parsing arguments: %v", err)
	}

	envFile, _ := arguments.String("--env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Error loading %s: %v", envFile, err)
	}

	configPath, _ := arguments.String("--config")
	cfg, err := config.ParseConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	if validate, _ := arguments.Bool("validate"); validate {
		fmt.Println("Configuration is valid.")
		return
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Error starting: %v", err)
	}
	err = run(a, arguments)
	a.close()
	if err != nil {
		level.Error(a.logger).Log("msg", "command failed", "non_retryable", pipeline.NonRetryable(err), "err", err)
		if errors.Is(err, pipeline.ErrWorkerShutdown) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(a *app, arguments docopt.Opts) error {
	schemaID, _ := arguments.String("--schema")
	jobID, _ := arguments.String("--job")
	reset, _ := arguments.Bool("--reset")

	if load, _ := arguments.Bool("load"); load {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.load(ctx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if r, _ := arguments.Bool("reset"); r {
		return a.reset(ctx, schemaID)
	}

	a.handleSignals(cancel)
	src, closeSource, err := a.source(ctx, schemaID, reset, arguments)
	if err != nil {
		return err
	}
	defer closeSource()
	if export, _ := arguments.Bool("export"); export {
		return a.export(ctx, schemaID, jobID, reset, src)
	}
	return a.sync(ctx, schemaID, jobID, reset, src)
}
