// cmd/swarmdrop-peer/main.go
package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/ssd-technologies/swarmdrop/internal/config"
	"github.com/ssd-technologies/swarmdrop/internal/node"
	"github.com/ssd-technologies/swarmdrop/internal/notify"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: swarmdrop-peer <share|download|seed>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "share":
		cmdShare()
	case "download":
		cmdDownload()
	case "seed":
		cmdSeed()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Usage: swarmdrop-peer <share|download|seed>")
		os.Exit(1)
	}
}

func startNode() *node.Node {
	cfg, err := config.LoadPeer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	principal := os.Getenv("SWARMDROP_PRINCIPAL")
	if principal == "" {
		fmt.Fprintln(os.Stderr, "Error: set SWARMDROP_PRINCIPAL environment variable")
		os.Exit(1)
	}

	n, err := node.New(cfg, principal, deviceID(cfg.DataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting peer: %v\n", err)
		os.Exit(1)
	}
	return n
}

// deviceID loads the persisted device identifier, generating one on first
// run so reconnects keep the same device key.
func deviceID(dataDir string) string {
	if dataDir == "" {
		return uuid.New().String()
	}
	path := filepath.Join(dataDir, "device.id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dataDir, 0o700); err == nil {
		_ = os.WriteFile(path, []byte(id), 0o600)
	}
	return id
}

// parseTargets reads --to alice,bob from the argument list.
func parseTargets(args []string) []string {
	for i, arg := range args {
		if arg == "--to" && i+1 < len(args) {
			return strings.Split(args[i+1], ",")
		}
		if strings.HasPrefix(arg, "--to=") {
			return strings.Split(strings.TrimPrefix(arg, "--to="), ",")
		}
	}
	return nil
}

func parseOutput(args []string) string {
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "-o=") {
			return strings.TrimPrefix(arg, "-o=")
		}
	}
	return ""
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func cmdShare() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: swarmdrop-peer share <file> [--to alice,bob]")
		os.Exit(1)
	}
	path := os.Args[2]

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading %s: %v\n", path, err)
		os.Exit(1)
	}

	n := startNode()
	defer n.Close()

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	env, err := n.Share(data, name, mimeType, parseTargets(os.Args[3:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sharing %s: %v\n", name, err)
		os.Exit(1)
	}

	// The envelope goes to recipients over the secure messaging channel; we
	// write it out for that delivery.
	encoded, err := env.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding envelope: %v\n", err)
		os.Exit(1)
	}
	envPath := path + ".envelope.json"
	if err := os.WriteFile(envPath, encoded, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing envelope: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sharing %s as %s (%d chunks)\n", name, env.FileID, env.ChunkCount)
	fmt.Printf("Key envelope written to %s\n", envPath)
	fmt.Println("Deliver the envelope to recipients over a secure channel")
	fmt.Println("Seeding until interrupted...")
	waitForSignal()
	fmt.Println("\nStopped seeding.")
}

func cmdDownload() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: swarmdrop-peer download <envelope.json> [-o output]")
		os.Exit(1)
	}

	raw, err := os.ReadFile(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading envelope: %v\n", err)
		os.Exit(1)
	}
	env, err := notify.DecodeKeyEnvelope(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n := startNode()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	fmt.Printf("Downloading %s (%d chunks)...\n", env.FileName, env.ChunkCount)
	data, err := n.Download(ctx, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: download failed: %v\n", err)
		os.Exit(1)
	}

	out := parseOutput(os.Args[3:])
	if out == "" {
		out = env.FileName
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing %s: %v\n", out, err)
		os.Exit(1)
	}

	fmt.Printf("Verified and saved to %s\n", out)
	fmt.Println("Seeding until interrupted...")
	waitForSignal()
	fmt.Println("\nStopped seeding.")
}

func cmdSeed() {
	n := startNode()
	defer n.Close()

	fmt.Println("Seeding local files until interrupted...")
	waitForSignal()
	fmt.Println("\nStopped seeding.")
}
