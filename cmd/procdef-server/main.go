package main

import (
	"log"

	"github.com/procdef/procdef/core/controlplane/gateway"
	"github.com/procdef/procdef/core/infra/buildinfo"
	"github.com/procdef/procdef/core/infra/config"
)

func main() {
	log.Println("procdef server starting...")
	buildinfo.Log("procdef-server")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("procdef server error: %v", err)
	}
}
