package main

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/YiqinXiong/errdisk"
	"github.com/YiqinXiong/errdisk/bdev"
	"github.com/YiqinXiong/errdisk/rpc"
)

var (
	flagListen     = flag.String("l", ":9009", "RPC listen address")
	flagDevices    = flag.Int("n", 1, "Number of memory base devices to create")
	flagBlockSize  = flag.Uint64("bs", 512, "Block size of the memory base devices")
	flagBlockCount = flag.Uint64("bc", 2048, "Block count of the memory base devices")
)

func main() {
	flag.Parse()

	for i := 0; i < *flagDevices; i++ {
		name := fmt.Sprintf("Mem%d", i)
		if _, err := bdev.NewMemDevice(name, *flagBlockSize, *flagBlockCount); err != nil {
			log.Fatalf("Create base device %s failed: %v", name, err)
		}
		log.Infof("Created base device %s (%d x %d bytes)", name, *flagBlockCount, *flagBlockSize)
	}

	srv := rpc.NewServer()
	log.Infof("Serving RPC on %s", *flagListen)
	err := srv.Run(*flagListen)

	errdisk.Finish()
	bdev.Shutdown()
	if err != nil {
		log.Fatalf("RPC server failed: %v", err)
	}
}
