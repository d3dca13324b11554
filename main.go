package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"cloud.google.com/go/firestore"

	"github.com/alimasry/go-crdt-sync/relay"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	storeKind := flag.String("store", "memory", "event store backend: memory or firestore")
	project := flag.String("project", "", "GCP project for -store firestore")
	flush := flag.Duration("flush", 0, "when set, serve from a memory cache and flush to the backing store at this interval")
	flag.Parse()

	var store relay.EventStore
	switch *storeKind {
	case "memory":
		store = relay.NewMemoryStore()
	case "firestore":
		if *project == "" {
			log.Fatal("-project is required with -store firestore")
		}
		client, err := firestore.NewClient(context.Background(), *project)
		if err != nil {
			log.Fatalf("firestore client: %v", err)
		}
		store = relay.NewFirestoreStore(client)
	default:
		log.Fatalf("unknown store %q", *storeKind)
	}

	if *flush > 0 {
		cached := relay.NewCachedStore(store, *flush)
		defer cached.Close()
		store = cached
	}

	hub := relay.NewHub(store)
	go hub.Run()

	log.Printf("Starting relay on %s", *addr)
	if err := http.ListenAndServe(*addr, relay.NewHandler(hub)); err != nil {
		log.Fatal(err)
	}
}
