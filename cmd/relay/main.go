// Command relay runs the reference signaling relay: a minimal,
// deliberately unoptimized implementation of the untrusted forwarding
// server spec.md assumes exists externally (spec §1, §4.4, §6). It
// exists only so the client-side packages can be exercised end-to-end;
// it is not meant for production deployment.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/collab-docs/sharecore/internal/relay"
)

func main() {
	godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubsub *relay.PubSub
	if os.Getenv("REDIS_URL") != "" || os.Getenv("RELAY_REQUIRE_REDIS") == "1" {
		ps, err := relay.NewPubSub(ctx)
		if err != nil {
			log.Fatalf("relay: failed to connect to redis: %v", err)
		}
		defer ps.Close()
		pubsub = ps
	}

	hub := relay.NewHub(pubsub)
	server := relay.NewServer(hub)

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "x-public-key", "x-client-id"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	server.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	go func() {
		log.Printf("relay starting on port %s", port)
		if err := r.Run(":" + port); err != nil {
			log.Fatalf("relay: failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("relay shutting down")
	cancel()
}
