// Command loghaven-keygen provisions key material: the server RSA pair,
// a server master key, and optional per-client RSA pairs.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/loghaven/loghaven/internal/crypto"
)

func main() {
	outDir := flag.String("out", ".", "Output directory for generated keys")
	rsaBits := flag.Int("rsa-bits", 2048, "RSA key size in bits (minimum 2048)")
	aesBits := flag.Int("aes-bits", 256, "Master key size in bits (128, 192 or 256)")
	clientID := flag.String("client", "", "Generate a client key pair named after this client id instead of server keys")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := os.MkdirAll(*outDir, 0700); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	if *clientID != "" {
		generateClientPair(*outDir, *clientID, *rsaBits)
		return
	}
	generateServerKeys(*outDir, *rsaBits, *aesBits)
}

func generateServerKeys(dir string, rsaBits, aesBits int) {
	privPEM, pubPEM, err := crypto.GenerateKeyPair(rsaBits)
	if err != nil {
		log.Fatalf("Failed to generate server RSA pair: %v", err)
	}
	writeKey(filepath.Join(dir, "server.key"), privPEM, 0600)
	writeKey(filepath.Join(dir, "server.pub"), pubPEM, 0644)

	masterKey, err := crypto.GenerateKey(aesBits)
	if err != nil {
		log.Fatalf("Failed to generate master key: %v", err)
	}
	writeKey(filepath.Join(dir, "server_key.hex"), []byte(masterKey+"\n"), 0600)

	log.Println("Generated server keys:")
	log.Println("  server.key      RSA private key (server_rsa_private_key)")
	log.Println("  server.pub      RSA public key (server_rsa_public_key)")
	log.Println("  server_key.hex  master key (server_key)")
}

func generateClientPair(dir, clientID string, rsaBits int) {
	privPEM, pubPEM, err := crypto.GenerateKeyPair(rsaBits)
	if err != nil {
		log.Fatalf("Failed to generate client RSA pair: %v", err)
	}
	writeKey(filepath.Join(dir, clientID+".key"), privPEM, 0600)
	writeKey(filepath.Join(dir, clientID+".pub"), pubPEM, 0644)

	log.Printf("Generated key pair for client %s:", clientID)
	log.Printf("  %s.key  private key (keep with the client)", clientID)
	log.Printf("  %s.pub  public key (known_clients public_key)", clientID)
}

func writeKey(path string, data []byte, mode os.FileMode) {
	if err := os.WriteFile(path, data, mode); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}
}
