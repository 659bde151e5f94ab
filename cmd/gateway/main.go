package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/gateway"
)

// orchfsd serves the HTTP API and, when mount.mountPoint is set, the FUSE
// mount for the configuration in $ORCHFS_CONFIG.
func main() {
	gw, err := gateway.NewGateway("")
	if err != nil {
		log.Fatal().Err(err).Msg("error creating gateway")
	}

	if gw.Config.Mount.MountPoint != "" {
		if err := os.MkdirAll(gw.Config.Mount.MountPoint, 0755); err != nil {
			log.Fatal().Err(err).Msg("error creating mount point")
		}
		gw.EnableMount(gw.Config.DebugMode)
	}

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
	log.Info().Msg("gateway stopped")
}
