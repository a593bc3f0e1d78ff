package main

import (
	"log"

	"github.com/planlock/planlock/core/controlplane/gateway"
	"github.com/planlock/planlock/core/infra/buildinfo"
	"github.com/planlock/planlock/core/infra/config"
)

func main() {
	log.Println("planlock server starting...")
	buildinfo.Log("planlock-server")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
