// Command visualizer streams live pipeline events to websocket clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
)

const listenAddr = ":8085"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("config load failed", err)
	}
	logger.Setup("visualizer", cfg.Log.Level, cfg.Log.Format)
	if cfg.NATS.URL == "" {
		logger.Fatal("visualizer needs a bus", errors.New("NATS_URL is required"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	var busClient *bus.Client
	for i := 0; i < 10; i++ {
		busClient, err = bus.Connect(bus.Config{URL: cfg.NATS.URL, Name: "visualizer"})
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS...", "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Fatal("Could not connect to NATS", err)
	}
	defer busClient.Close()
	slog.Info("Connected to NATS")

	consumer := NewConsumer(hub)
	for _, subj := range []string{bus.SubjectAll, bus.SubjectUndeliverable} {
		if _, err := busClient.Conn().Subscribe(subj, func(msg *nats.Msg) { consumer.HandleMessage(msg) }); err != nil {
			logger.Error("Error subscribing", err, "subject", subj)
		}
	}

	srv := &http.Server{Addr: listenAddr, Handler: newMux(hub, consumer), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Visualizer started", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("visualizer server failed", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down visualizer...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("visualizer shutdown error", err)
	}
	slog.Info("Visualizer stopped.")
}

func newMux(hub *Hub, consumer *Consumer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade failed", "error", err)
			return
		}
		hub.Register(conn)
		go drain(hub, conn)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"clients": hub.Clients(),
			"events":  consumer.Counts(),
		})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// drain reads until the client goes away so control frames are handled,
// then unregisters it.
func drain(hub *Hub, conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			hub.Unregister(conn)
			return
		}
	}
}
