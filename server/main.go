package main

import (
	"github.com/rdmplayer/watchtogether/server/src/api"
	"github.com/rdmplayer/watchtogether/server/src/config"
	"github.com/rdmplayer/watchtogether/server/src/logger"
	"github.com/rdmplayer/watchtogether/server/src/rooms"
	"github.com/rdmplayer/watchtogether/server/src/store"
)

func main() {
	cli := config.ParseCommandArgs()
	logger.NewGlobalLogger(cli.Debug)
	defer logger.Sync()

	blobs, err := store.NewBlobStore(cli.UploadDir, cli.MaxFileSizeBytes())
	if err != nil {
		logger.Fatalw("Failed to initialize upload directory", "dir", cli.UploadDir, "error", err)
	}

	registry := rooms.NewRegistry(blobs, cli.RoomExpiry())
	go registry.RunSweeper(cli.CleanupInterval())
	defer registry.Shutdown()

	router := api.NewAPI(registry, blobs).Router(cli.Debug)
	server := api.NewServer(cli.Host, cli.Port, cli.Cert, cli.Key, router)

	logger.Infow("Starting watch-together server", "host", cli.Host, "port", cli.Port)
	if err := server.Listen(); err != nil {
		logger.Fatalw("Server terminated", "error", err)
	}
}
