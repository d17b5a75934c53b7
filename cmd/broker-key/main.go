// Package main prints fresh broker secrets in dotenv format.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/authbroker/internal/platform/config"
	"github.com/louisbranch/authbroker/internal/tools/brokerkey"
)

func main() {
	cfg, err := brokerkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := brokerkey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate secrets: %v", err)
	}
}
