package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var flagConfig = flag.String("config", "configs/transformer.base.yaml", "Path of the config file.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RunTrainCommand(ctx, *flagConfig); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Warning("Training interrupted")
			return
		}
		klog.Fatalf("Failed with error: %+v", err)
	}
}
