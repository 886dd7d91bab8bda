package daemonrun

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"stemdeck/internal/ipc"
	"stemdeck/internal/testsupport"
)

func TestRunServesUntilStopped(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.Format = "json"

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), cfg, Options{LogLevel: "debug"})
	}()

	var client *ipc.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := ipc.Dial(cfg.Paths.SocketPath)
		if err == nil {
			client = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never appeared: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer client.Close()

	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil || strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file %q %v", data, err)
	}

	if _, err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err %v", err)
	}
}
