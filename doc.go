// Package circuitd exposes the Go APIs behind the persisted two-phase-commit
// consensus engine. Each process in a circuit runs one circuitd server; the
// hosting service drives rounds through the HTTP API (or the embedded Driver)
// and receives protocol outcomes as notifications.
//
// # Running a server
//
// The server listens on Config.Listen and reaches its peers through the
// static address book in Config.Peers.
//
//	cfg := circuitd.Config{
//	    Self:   "alice",
//	    Store:  "disk:///var/lib/circuitd",
//	    Listen: ":9340",
//	    Peers: map[string]string{
//	        "bob":   "http://bob:9340",
//	        "carol": "http://carol:9340",
//	    },
//	    NotifyURL: "http://localhost:8080/consensus",
//	}
//	srv, err := circuitd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("circuitd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("circuitd shutdown: %v", err)
//	    }
//	}()
//
// # Durability
//
// Every stimulus (peer message, round-control request, elapsed timer) is
// appended to a per-context log before it is processed. Processing commits the
// new context snapshot, the executed-event marker and the produced actions in
// one atomic store write, so a crash at any point resumes by re-processing the
// oldest unexecuted event and re-dispatching unexecuted actions. Outbound
// delivery is at-least-once; the engine drops duplicate messages idempotently.
//
// # Stores
//
// Two backends ship with the server: "mem://" keeps everything in memory
// (tests, local development) and "disk://<dir>" persists each context under
// its own directory with CRC-framed append-only logs and an atomically
// replaced snapshot.
package circuitd
