// cmd/duplexsse-client/main.go
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpetrov/duplexsse/duplexsseclient"
	"github.com/mpetrov/duplexsse/logging"
	"go.uber.org/zap"
)

// This binary is a minimal demonstration client: it subscribes to a
// duplexsse-server instance, prints every inbound message to stdout,
// and posts each line read from stdin back to the server.
func main() {
	serverURL := flag.String("server", "http://localhost:8080/events", "duplexsse server SSE endpoint")
	ordered := flag.Bool("ordered", false, "use ordered (serialized) POST submission")
	flag.Parse()

	logger := logging.MustBuildLogger("info", "development")
	defer logger.Sync()

	t := duplexsseclient.New(duplexsseclient.Config{
		ServerUrl: *serverURL,
		Ordered:   *ordered,
		Logger:    logger,
	})
	defer t.Close()

	logger.Info("connected", zap.String("client_id", t.ID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		for msg := range t.Messages() {
			fmt.Println(msg)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			t.Submit(scanner.Text())
		}
	}()

	<-sigCh
	if err := t.Err(); err != nil {
		logger.Warn("transport closed with error", zap.Error(err))
	}
}
