package quell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// otfCommand is one on-the-fly request from an external controller.
type otfCommand struct {
	Op    string `json:"op"`              // add, replace, remove, removeall, clearvm, status, time
	Code  string `json:"code,omitempty"`  // literal source (add, replace)
	Path  string `json:"path,omitempty"`  // file source (add, replace)
	Args  string `json:"args,omitempty"`  // colon-separated shred arguments
	Count int    `json:"count,omitempty"` // replication count, defaults to 1
	ID    uint64 `json:"id,omitempty"`    // target shred (replace, remove)
}

// otfReply answers one command.
type otfReply struct {
	OK     bool       `json:"ok"`
	Msg    string     `json:"msg,omitempty"`
	IDs    []uint64   `json:"ids,omitempty"`
	Now    uint64     `json:"now,omitempty"`
	Shreds []otfShred `json:"shreds,omitempty"`
}

type otfShred struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Wake  uint64 `json:"wake"`
}

// otfServer is the network listener that feeds remote code into a live
// engine. It holds only the compile entry point and the VM's control
// surface; compilation happens on the connection goroutine (a control
// context), never on the audio path.
type otfServer struct {
	compiler *Compiler
	vm       *VM
	logger   *slog.Logger

	srv *http.Server
	ln  net.Listener
	eg  errgroup.Group
}

func newOTFServer(carrier *Carrier, logger *slog.Logger) *otfServer {
	return &otfServer{compiler: carrier.compiler, vm: carrier.vm, logger: logger}
}

// start begins listening on localhost at the given port.
func (o *otfServer) start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	o.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/otf", o.handle)
	o.srv = &http.Server{Handler: mux}

	o.eg.Go(func() error {
		if err := o.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	o.logger.Info("on-the-fly listener started", slog.String("addr", addr))
	return nil
}

// addr reports the bound listen address, useful when port 0 was requested.
func (o *otfServer) addr() string {
	if o.ln == nil {
		return ""
	}
	return o.ln.Addr().String()
}

// stop shuts the listener down and waits for the serve goroutine.
func (o *otfServer) stop() {
	if o.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = o.srv.Shutdown(ctx)
	if err := o.eg.Wait(); err != nil {
		o.logger.Warn("on-the-fly listener", slog.String("err", err.Error()))
	}
}

func (o *otfServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	session := uuid.NewString()
	o.logger.Info("on-the-fly session opened", slog.String("session", session))
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		o.logger.Info("on-the-fly session closed", slog.String("session", session))
	}()

	ctx := r.Context()
	for {
		var cmd otfCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		reply := o.dispatch(&cmd)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (o *otfServer) dispatch(cmd *otfCommand) otfReply {
	switch cmd.Op {
	case "add":
		return o.add(cmd)
	case "replace":
		return o.replace(cmd)
	case "remove":
		if cmd.ID == 0 {
			o.vm.RemoveLast()
			return otfReply{OK: true}
		}
		o.vm.Remove(cmd.ID)
		return otfReply{OK: true}
	case "removeall":
		o.vm.RemoveAll()
		return otfReply{OK: true}
	case "clearvm":
		o.vm.RemoveAll()
		return otfReply{OK: true, Msg: "cleared"}
	case "status":
		shreds, now := o.vm.Status()
		out := make([]otfShred, len(shreds))
		for i, s := range shreds {
			out[i] = otfShred{ID: s.ID, Name: s.Name, State: s.State.String(), Wake: s.Wake}
		}
		return otfReply{OK: true, Now: now, Shreds: out}
	case "time":
		return otfReply{OK: true, Now: o.vm.Now()}
	default:
		return otfReply{OK: false, Msg: fmt.Sprintf("unknown op %q", cmd.Op)}
	}
}

func (o *otfServer) compileFor(cmd *otfCommand) ([]uint64, error) {
	count := cmd.Count
	if count == 0 {
		count = 1
	}
	if cmd.Path != "" {
		return o.compiler.CompileFile(cmd.Path, cmd.Args, count)
	}
	return o.compiler.CompileCode(cmd.Code, cmd.Args, count)
}

func (o *otfServer) add(cmd *otfCommand) otfReply {
	ids, err := o.compileFor(cmd)
	if err != nil {
		return otfReply{OK: false, Msg: err.Error()}
	}
	return otfReply{OK: true, IDs: ids}
}

func (o *otfServer) replace(cmd *otfCommand) otfReply {
	if cmd.ID == 0 {
		return otfReply{OK: false, Msg: "replace requires an id"}
	}
	ids, err := o.compiler.Replace([]uint64{cmd.ID}, cmd.Code, cmd.Path, cmd.Args, max(cmd.Count, 1))
	if err != nil {
		return otfReply{OK: false, Msg: err.Error()}
	}
	return otfReply{OK: true, IDs: ids}
}
