package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/tjfontaine/supportdesk/internal/auth"
)

func main() {
	agentID := flag.String("agent", "agent-1", "agent_id to put in the snippet")
	agentName := flag.String("name", "", "agent_name to put in the snippet")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: keygen [-agent id] [-name display-name] [api-key]")
		fmt.Fprintln(os.Stderr, "Generates an agent API key (or hashes the given one) for config.yaml")
		flag.PrintDefaults()
	}
	flag.Parse()

	apiKey := flag.Arg(0)
	if apiKey == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "sd_" + hex.EncodeToString(buf)
	}
	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to the tenant in your config.yaml:")
	fmt.Printf("    api_keys:\n")
	fmt.Printf("      - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("        agent_id: \"%s\"\n", *agentID)
	if *agentName != "" {
		fmt.Printf("        agent_name: \"%s\"\n", *agentName)
	}
}
