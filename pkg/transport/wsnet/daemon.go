package wsnet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/daviddao/replimail/pkg/transport/memnet"
)

// Daemon serves a memnet hub over websocket.
type Daemon struct {
	hub      *memnet.Hub
	log      *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewDaemon returns a daemon with an empty hub.
func NewDaemon(log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Daemon{
		hub: memnet.NewHub(),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", d.serveWS)
	r.HandleFunc("/healthz", d.serveHealth).Methods(http.MethodGet)
	d.router = r
	return d
}

// Hub returns the daemon's hub.
func (d *Daemon) Hub() *memnet.Hub { return d.hub }

// Handler returns the HTTP handler serving /ws and /healthz.
func (d *Daemon) Handler() http.Handler { return d.router }

// Serve accepts connections on ln until ctx is done.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	d.log.Info("daemon listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	d.hub.Close()
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done.
func (d *Daemon) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

func (d *Daemon) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"endpoints": d.hub.Endpoints(),
	})
}

// conn is the daemon side of one websocket connection.
type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *conn) write(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(f)
}

func (d *Daemon) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	var hello frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Op != opHello {
		d.log.Warn("bad hello", "remote", r.RemoteAddr, "err", err)
		return
	}
	ep, err := d.hub.Attach(hello.Name)
	if err != nil {
		c.write(frame{Op: opError, Error: err.Error()})
		return
	}
	if err := c.write(frame{Op: opWelcome, Name: ep.Name()}); err != nil {
		ep.Close()
		return
	}
	log := d.log.With("member", ep.Name())
	log.Debug("member connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			ev, err := ep.Receive(ctx)
			if err != nil {
				return
			}
			if err := c.write(frame{Op: opEvent, Event: &ev}); err != nil {
				log.Debug("write failed", "err", err)
				cancel()
				ws.Close()
				return
			}
		}
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		var opErr error
		switch f.Op {
		case opJoin:
			opErr = ep.Join(f.Group)
		case opLeave:
			opErr = ep.Leave(f.Group)
		case opMulticast:
			opErr = ep.Multicast(f.Group, f.Kind, f.Payload)
		default:
			log.Warn("unknown op", "op", f.Op)
			continue
		}
		if opErr != nil {
			c.write(frame{Op: opError, Error: opErr.Error()})
		}
	}
	ep.Close()
	log.Debug("member disconnected")
}
