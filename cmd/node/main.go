// Command node is a small demo/integration client wiring sharing.Client
// against a relay, analogous in role to the teacher's cmd/collab but
// driving the client side of the protocol instead of hosting it.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/session"
	"github.com/collab-docs/sharecore/internal/sharing"
	"github.com/collab-docs/sharecore/internal/storage"
)

func main() {
	godotenv.Load()

	relayURL := flag.String("relay", envOr("SHARECORE_RELAY_URL", "ws://localhost:8082/ws"), "signaling relay URL")
	flag.Parse()

	sess, err := loadOrGenerateSession()
	if err != nil {
		log.Fatalf("node: session setup failed: %v", err)
	}
	fmt.Printf("node identity: %s\n", sess.PublicKey())

	headers := storage.NewMemoryProvider()
	content := storage.NewSecureStorageProvider(storage.NewMemoryProvider(), sess)
	store := storage.New(headers, content, func(id address.DocumentId, err error) {
		log.Printf("node: storage error for %v: %v", id, err)
	})

	client := sharing.New(sharing.Config{
		SignalingURL: *relayURL,
		Session:      sess,
		Storage:      store,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("node: connect failed: %v", err)
	}
	defer client.Disconnect()

	doc, err := client.CreateDocument(nil, map[string]interface{}{"title": "untitled"})
	if err != nil {
		log.Fatalf("node: create document failed: %v", err)
	}
	fmt.Printf("created document: %s\n", doc.Id())

	ids, err := client.ListDocumentIds(ctx)
	if err != nil {
		log.Fatalf("node: list document ids failed: %v", err)
	}
	fmt.Printf("known documents: %v\n", ids)

	<-ctx.Done()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadOrGenerateSession reuses a hex-encoded Ed25519 seed from
// SHARECORE_PRIVATE_KEY if set, otherwise generates a fresh identity for
// this run only; the generated seed is neither printed nor saved.
func loadOrGenerateSession() (*session.Manager, error) {
	if hexSeed := os.Getenv("SHARECORE_PRIVATE_KEY"); hexSeed != "" {
		seed, err := hex.DecodeString(hexSeed)
		if err != nil {
			return nil, fmt.Errorf("node: invalid SHARECORE_PRIVATE_KEY: %w", err)
		}
		priv, err := crypto.PrivateKeyFromSeed(seed)
		if err != nil {
			return nil, err
		}
		return session.New(priv)
	}
	sess, err := session.Generate()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "no SHARECORE_PRIVATE_KEY set; generated a new identity for this run\n")
	return sess, nil
}
