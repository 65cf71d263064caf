// karoocli is a demo client exercising the core end-to-end scenarios a
// karoocd server serves out of the box: add(1,2), translate("hello"), a
// timed-out slow call, and a ten-frame stream echo.
//
// Grounded on cmd/karoo/main.go's flag parsing and exit-code convention,
// re-themed from a Stratum proxy's startup sequence to a one-shot RPC
// demo client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/rpcclient"
	"github.com/carlosrabelo/karoorpc/internal/stream"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("karoocli", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:32000", "server address")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("karoocli v0.1.0")
		return 0
	}

	log := logger.WithPrefix("karoocli")
	cfg := rpcclient.DefaultConfig(*addr)
	client := rpcclient.New(cfg, nil, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Error("connect: %v", err)
		return 1
	}
	defer client.Close()

	if err := demoAdd(client); err != nil {
		log.Error("add demo: %v", err)
		return 1
	}
	if err := demoTranslate(client); err != nil {
		log.Error("translate demo: %v", err)
		return 1
	}
	if err := demoTimeout(client); err != nil {
		log.Error("timeout demo: %v", err)
		return 1
	}
	if err := demoStreamEcho(client); err != nil {
		log.Error("stream echo demo: %v", err)
		return 1
	}

	log.Info("all demo scenarios passed")
	return 0
}

func demoAdd(client *rpcclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := client.Call(ctx, "add", int64(1), int64(2))
	if err != nil {
		return err
	}
	fmt.Printf("add(1, 2) = %v\n", v)
	return nil
}

func demoTranslate(client *rpcclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := client.Call(ctx, "translate", "hello")
	if err != nil {
		return err
	}
	fmt.Printf("translate(\"hello\") = %v\n", v)
	return nil
}

func demoTimeout(client *rpcclient.Client) error {
	fut, err := client.AsyncCall("slow_echo", 50*time.Millisecond, int64(200), "too slow")
	if err != nil {
		return err
	}
	if _, err := fut.Wait(context.Background()); err == nil {
		return fmt.Errorf("expected a 50ms call against a 200ms handler to time out")
	} else {
		fmt.Printf("slow_echo(200ms) with a 50ms deadline correctly failed: %v\n", err)
	}

	fut2, err := client.AsyncCall("slow_echo", 400*time.Millisecond, int64(0), "fast enough")
	if err != nil {
		return err
	}
	payload, err := fut2.Wait(context.Background())
	if err != nil {
		return err
	}
	_, value, err := codec.DecodeReply(payload)
	if err != nil {
		return err
	}
	fmt.Printf("slow_echo(0ms) = %v\n", value)
	return nil
}

func demoStreamEcho(client *rpcclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := client.UpgradeToStream(ctx, "echo_stream")
	if err != nil {
		return err
	}
	defer h.Close()

	for i := 10; i >= 1; i-- {
		msg := fmt.Sprintf("msg %d", i)
		if ok := stream.WriteAs(h, msg); !ok {
			return h.Err()
		}
	}
	h.WriteDone()

	for i := 10; i >= 1; i-- {
		want := fmt.Sprintf("msg %d from server", i)
		got, ok, err := stream.ReadAs[string](h, ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stream closed early, expected %q", want)
		}
		if got != want {
			return fmt.Errorf("frame %d: got %q, want %q", 11-i, got, want)
		}
	}

	if err := h.Finish(ctx); err != nil {
		return err
	}
	fmt.Println("echo_stream: received all 10 frames in order")
	return nil
}
