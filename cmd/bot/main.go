package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/protocol"
	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/encoding"
)

// bot replays a trace file against a session server, one STAGE per command,
// or in one TRACE message with -whole.
func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "client name")
		problem = flag.String("problem", "", "archive problem name on the server")
		src     = flag.String("src", "", "source model file (ad-hoc session)")
		tgt     = flag.String("tgt", "", "target model file (ad-hoc session)")
		trace   = flag.String("trace", "", "trace file (.nbt, optionally .zst)")
		profile = flag.String("profile", "", "energy profile: default or contest")
		whole   = flag.Bool("whole", false, "send the trace in one TRACE message")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *trace == "" {
		logger.Fatalf("-trace is required")
	}
	raw, err := archive.ReadFile(*trace)
	if err != nil {
		logger.Fatalf("read trace: %v", err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Problem:         strings.TrimSpace(*problem),
		EnergyProfile:   *profile,
		MaxQueue:        8,
	}
	if hello.Problem == "" {
		if err := addModels(&hello, *src, *tgt); err != nil {
			logger.Fatalf("%v", err)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := read(conn, protocol.TypeWelcome, &welcome); err != nil {
		logger.Fatalf("handshake: %v", err)
	}
	logger.Printf("WELCOME session=%s r=%d max_bots=%d profile=%s target_cells=%s",
		welcome.SessionID, welcome.R, welcome.MaxBots, welcome.EnergyProfile, humanize.Comma(int64(welcome.TargetCells)))

	var res protocol.ResultMsg
	if *whole {
		msg := protocol.TraceMsg{Type: protocol.TypeTrace, ProtocolVersion: protocol.Version, Trace: base64.StdEncoding.EncodeToString(raw)}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Fatalf("send TRACE: %v", err)
		}
		if err := read(conn, protocol.TypeResult, &res); err != nil {
			logger.Fatalf("trace: %v", err)
		}
	} else {
		cmds, err := command.DecodeAll(raw)
		if err != nil {
			logger.Fatalf("decode trace: %v", err)
		}
		res, err = replay(conn, logger, welcome.State, cmds)
		if err != nil {
			logger.Fatalf("replay: %v", err)
		}
	}
	if !res.OK {
		logger.Fatalf("RESULT run=%s failed: %s %s", res.RunID, res.Code, res.Message)
	}
	logger.Printf("RESULT run=%s energy=%s steps=%s", res.RunID, humanize.Comma(res.Energy), humanize.Comma(int64(res.Steps)))
}

func addModels(h *protocol.HelloMsg, src, tgt string) error {
	for _, m := range []struct {
		path string
		rle  *string
	}{{src, &h.SourceRLE}, {tgt, &h.TargetRLE}} {
		if m.path == "" {
			continue
		}
		g, err := archive.ReadModelFile(m.path)
		if err != nil {
			return err
		}
		if h.R != 0 && h.R != g.R() {
			return fmt.Errorf("%s: resolution %d, expected %d", m.path, g.R(), h.R)
		}
		h.R = g.R()
		*m.rle = encoding.EncodeGrid(g)
	}
	if h.R == 0 {
		return fmt.Errorf("need -problem, -src or -tgt")
	}
	return nil
}

// replay deals cmds to the roster step by step until the server reports a result.
func replay(conn *websocket.Conn, logger *log.Logger, state protocol.StateMsg, cmds []command.Command) (protocol.ResultMsg, error) {
	var res protocol.ResultMsg
	for !state.Halted {
		if len(state.Bots) > len(cmds) {
			return res, fmt.Errorf("trace ended at step %d with %d active bots", state.Step, len(state.Bots))
		}
		for _, b := range state.Bots {
			c := cmds[0]
			cmds = cmds[1:]
			msg := protocol.StageMsg{
				Type:            protocol.TypeStage,
				ProtocolVersion: protocol.Version,
				BotID:           b.ID,
				Command:         protocol.FromCommand(c),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return res, err
			}
			var staged protocol.StagedMsg
			if err := read(conn, protocol.TypeStaged, &staged); err != nil {
				return res, err
			}
			if !staged.Accepted {
				return res, fmt.Errorf("step %d bot %d %v: %s %s", state.Step, b.ID, c, staged.Code, staged.Message)
			}
		}
		if err := conn.WriteJSON(protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version}); err != nil {
			return res, err
		}
		if err := read(conn, protocol.TypeState, &state); err != nil {
			return res, err
		}
		if state.Step%1000 == 0 {
			logger.Printf("step %d bots=%d energy=%s", state.Step, len(state.Bots), humanize.Comma(state.Energy))
		}
	}
	if len(cmds) > 0 {
		logger.Printf("%d commands left after Terminate", len(cmds))
	}
	err := read(conn, protocol.TypeResult, &res)
	return res, err
}

// read decodes the next message into v. An ERROR message is returned as an error.
func read(conn *websocket.Conn, typ string, v any) error {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case typ:
		return json.Unmarshal(msg, v)
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return err
		}
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
	return fmt.Errorf("unexpected %s while waiting for %s", base.Type, typ)
}
