package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lvbealr/leech/client"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	outputDir := flag.String("out", ".", "directory to write the downloaded file into")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: leech -torrent <path-to-torrent-file> [-out <dir>]\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		TorrentPath: *torrentPath,
		OutputDir:   *outputDir,
	})

	if err := c.Run(ctx); err != nil {
		log.Fatalf("%v\n", err)
	}
}
