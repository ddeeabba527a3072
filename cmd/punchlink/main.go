package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "discover":
		if err := discoverCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "connect":
		if len(os.Args) > 2 && (os.Args[2] == "-h" || os.Args[2] == "--help") {
			printConnectUsage()
			return
		}
		if err := connectCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		fmt.Printf("punchlink version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("punchlink - NAT traversal via signalling rendezvous, STUN, and hole punching")
	fmt.Printf("Version: %s\n", version)
	fmt.Println()
	fmt.Println("Usage: punchlink <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  discover        Discover your public IP and port using STUN")
	fmt.Println("  connect         Traverse NAT to a peer identified by fingerprint")
	fmt.Println("  version         Show version information")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  punchlink discover --stun stun.example.com:3478")
	fmt.Println("  punchlink connect --peer-fingerprint bb..bb --signalling wss://rendezvous.example.com --stun stun.example.com:3478")
	fmt.Println()
	fmt.Println("For detailed help on a command:")
	fmt.Println("  punchlink <command> --help")
}
