// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"golang.org/x/term"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/config"
	"github.com/couchbase/kvcore/durability"
	"github.com/couchbase/kvcore/engine"
	"github.com/couchbase/kvcore/kvstore"
	"github.com/couchbase/kvcore/utils"
)

var options struct {
	configFile  string
	numVbuckets uint64
	maxSizeMB   uint64
	debug       bool
}

func argParse() {
	flag.StringVar(&options.configFile, "configFile", "",
		"yaml configuration file; defaults apply when empty")
	flag.Uint64Var(&options.numVbuckets, "numVbuckets", 0,
		"override for the number of vbuckets to create")
	flag.Uint64Var(&options.maxSizeMB, "maxSizeMB", 0,
		"override for the bucket quota in MB")
	flag.BoolVar(&options.debug, "debug", false,
		"enable debug logging")
	flag.Parse()
}

func usage() {
	fmt.Printf("Usage : %s [OPTIONS]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	argParse()

	loggerCtx := xdcrLog.DefaultLoggerContext
	// interactive runs get the verbose level without an explicit flag
	if options.debug || term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("KVCORE_QUIET") == "" {
		loggerCtx.Log_level = xdcrLog.LogLevelDebug
	}
	logger := xdcrLog.NewLogger("kvcore", loggerCtx)

	cfg := config.Default()
	if options.configFile != "" {
		var err error
		cfg, err = config.Load(options.configFile)
		if err != nil {
			logger.Errorf("Unable to load config file %v: %v", options.configFile, err)
			os.Exit(1)
		}
	}
	if options.numVbuckets > 0 {
		cfg.MaxVbuckets = int(options.numVbuckets)
	}
	if options.maxSizeMB > 0 {
		cfg.MaxSize = int64(options.maxSizeMB) * 1024 * 1024
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	bucket := engine.NewKVBucket(cfg, kvstore.NewMemoryKVStore(), logger)

	topology := &durability.ReplicationTopology{FirstChain: []string{"active", "replica"}}

	// bring vbuckets up in parallel, one worker per shard-sized slice
	errChan := make(chan error, 1)
	var waitGroup sync.WaitGroup
	for _, load := range utils.BalanceLoad(base.NumberOfShards, cfg.MaxVbuckets) {
		waitGroup.Add(1)
		go func(low, high int) {
			defer waitGroup.Done()
			for vbid := low; vbid < high; vbid++ {
				if _, err := bucket.CreateVBucket(base.Vbid(vbid), base.VBStateActive, topology); err != nil {
					utils.AddToErrorChan(errChan, err)
					return
				}
			}
		}(load[0], load[1])
	}
	doneChan := make(chan bool)
	go utils.WaitForWaitGroup(&waitGroup, doneChan)
	select {
	case err := <-errChan:
		logger.Errorf("Unable to create vbuckets: %v", err)
		os.Exit(1)
	case <-doneChan:
	}
	logger.Infof("Engine started with %v vbuckets, quota %v MB",
		cfg.MaxVbuckets, cfg.MaxSize/(1024*1024))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	bucket.Shutdown()
}
